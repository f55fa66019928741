package encryption

import (
	"fmt"

	"spt-go/internal/backup"
	"spt-go/internal/config"
)

// NewEncryptorFromConfig creates an Encryptor based on the configuration type.
// Type "none" (the default) returns nil: the backup cache stores plaintext.
func NewEncryptorFromConfig(cfg config.EncryptionConfig) (backup.Encryptor, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "age":
		return NewAgeEncryptor(cfg), nil
	case "test":
		return NewTestEncryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption type: %q", cfg.Type)
	}
}
