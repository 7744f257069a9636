// Package codec centralizes the base64/hex encodings used on the wire so
// every component agrees on padding and alphabet.
package codec

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EncodeJSON marshals v to JSON and base64-encodes it with standard
// padded encoding, matching the PAYMENT-REQUIRED / PAYMENT-RESPONSE
// header wire format.
func EncodeJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodeJSON base64-decodes s and unmarshals it into v.
func DecodeJSON(s string, v interface{}) error {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("codec: base64 decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// EncodeJSONURL is EncodeJSON using the URL-safe, unpadded alphabet, used
// for the opaque payment token string (tokens ride in URLs and headers).
func EncodeJSONURL(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("codec: marshal: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeJSONURL is the inverse of EncodeJSONURL.
func DecodeJSONURL(s string, v interface{}) error {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("codec: base64url decode: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("codec: unmarshal: %w", err)
	}
	return nil
}

// HexEncode is a thin wrapper kept for symmetry with the hex call sites
// in CredentialVault's legacy-format decoding.
func HexEncode(b []byte) string { return hex.EncodeToString(b) }

// HexDecode is the inverse of HexEncode.
func HexDecode(s string) ([]byte, error) { return hex.DecodeString(s) }
