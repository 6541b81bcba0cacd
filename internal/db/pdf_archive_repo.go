package db

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"jewelerp/internal/types"
)

// PDFArchiveRepository stores rendered invoice PDFs zstd-compressed in
// invoice_pdfs. A re-render of the same invoice overwrites the previous copy,
// which keeps pdf_generation batches safe to retry.
type PDFArchiveRepository struct {
	db DBTX

	encoderPool sync.Pool
	decoderPool sync.Pool
}

// NewPDFArchiveRepository creates a new PDFArchiveRepository.
func NewPDFArchiveRepository(db DBTX) *PDFArchiveRepository {
	return &PDFArchiveRepository{
		db: db,
		encoderPool: sync.Pool{
			New: func() any {
				e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault), zstd.WithEncoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
				}
				return e
			},
		},
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// Save compresses pdf and upserts it for invoiceID.
func (r *PDFArchiveRepository) Save(ctx context.Context, invoiceID string, pdf []byte) error {
	enc := r.encoderPool.Get().(*zstd.Encoder)
	compressed := enc.EncodeAll(pdf, make([]byte, 0, len(pdf)/2))
	r.encoderPool.Put(enc)

	_, err := r.db.Exec(ctx,
		`INSERT INTO invoice_pdfs (invoice_id, content_zstd, size_bytes, rendered_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (invoice_id) DO UPDATE
		   SET content_zstd = EXCLUDED.content_zstd,
		       size_bytes = EXCLUDED.size_bytes,
		       rendered_at = EXCLUDED.rendered_at`,
		invoiceID,
		compressed,
		len(pdf),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to save invoice pdf", err)
	}
	return nil
}

// Load returns the decompressed PDF for invoiceID.
func (r *PDFArchiveRepository) Load(ctx context.Context, invoiceID string) ([]byte, error) {
	var compressed []byte
	err := r.db.QueryRow(ctx,
		`SELECT content_zstd FROM invoice_pdfs WHERE invoice_id = $1`,
		invoiceID,
	).Scan(&compressed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundInvoice, "invoice pdf not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to load invoice pdf", err)
	}

	dec := r.decoderPool.Get().(*zstd.Decoder)
	defer r.decoderPool.Put(dec)

	out, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected, "failed to decompress invoice pdf", err)
	}
	return out, nil
}
