package crypto

import (
	"fmt"

	"github.com/rakunlabs/taskcron/internal/task"
)

// EncryptTaskConfig returns a copy of cfg with the sensitive fields of its
// task_config variant encrypted: AgentConfig.APIKey and
// EmailConfig.Password. The structs cfg points to are not modified. If key is nil, cfg
// is returned unchanged (no-op) -- encryption at rest is opt-in, selected
// by Store.EncryptionKey in config.
func EncryptTaskConfig(cfg task.Config, key []byte) (task.Config, error) {
	if key == nil {
		return cfg, nil
	}

	if cfg.Agent != nil && cfg.Agent.APIKey != "" {
		enc, err := Encrypt(cfg.Agent.APIKey, key)
		if err != nil {
			return cfg, fmt.Errorf("encrypt agent api_key: %w", err)
		}
		agent := *cfg.Agent
		agent.APIKey = enc
		cfg.Agent = &agent
	}

	if cfg.Email != nil && cfg.Email.Password != "" {
		enc, err := Encrypt(cfg.Email.Password, key)
		if err != nil {
			return cfg, fmt.Errorf("encrypt email password: %w", err)
		}
		email := *cfg.Email
		email.Password = enc
		cfg.Email = &email
	}

	return cfg, nil
}

// DecryptTaskConfig returns a copy of cfg with the sensitive fields of its
// task_config variant decrypted, the inverse of EncryptTaskConfig. Values without the "enc:"
// prefix are passed through unchanged, so a store can be switched from
// plaintext to encrypted without a migration step.
func DecryptTaskConfig(cfg task.Config, key []byte) (task.Config, error) {
	if key == nil {
		return cfg, nil
	}

	if cfg.Agent != nil && cfg.Agent.APIKey != "" {
		dec, err := Decrypt(cfg.Agent.APIKey, key)
		if err != nil {
			return cfg, fmt.Errorf("decrypt agent api_key: %w", err)
		}
		agent := *cfg.Agent
		agent.APIKey = dec
		cfg.Agent = &agent
	}

	if cfg.Email != nil && cfg.Email.Password != "" {
		dec, err := Decrypt(cfg.Email.Password, key)
		if err != nil {
			return cfg, fmt.Errorf("decrypt email password: %w", err)
		}
		email := *cfg.Email
		email.Password = dec
		cfg.Email = &email
	}

	return cfg, nil
}
