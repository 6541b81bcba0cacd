package types

const redactedPlaceholder = "***REDACTED***"

var redactedJSON = []byte(`"***REDACTED***"`)

// SecretString holds a credential (database URL, Stripe key, Redis password)
// and never prints or serializes its value. Call Unmask only where the raw
// value is handed to a driver or client.
type SecretString string

// String implements fmt.Stringer with a redacted placeholder.
func (s SecretString) String() string {
	return redactedPlaceholder
}

// MarshalJSON always encodes the redacted placeholder.
func (s SecretString) MarshalJSON() ([]byte, error) {
	return redactedJSON, nil
}

// Unmask returns the raw value.
func (s SecretString) Unmask() string {
	return string(s)
}
