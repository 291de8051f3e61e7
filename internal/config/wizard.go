package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/harun/tenantlink/pkg/tenants"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const adminKeyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

// Wizard provides an interactive configuration wizard
type Wizard struct {
	reader *bufio.Reader
	out    io.Writer
}

// NewWizard creates a wizard reading answers from in and writing prompts to out.
func NewWizard(in io.Reader, out io.Writer) *Wizard {
	return &Wizard{
		reader: bufio.NewReader(in),
		out:    out,
	}
}

// Run runs the interactive configuration wizard starting from base.
func (w *Wizard) Run(base *Config) (*Config, error) {
	cfg := *base
	validator := NewValidator()

	w.println("=== tenantlink configuration ===")
	w.println()

	// Server
	for {
		answer, err := w.ask("API port", strconv.Itoa(cfg.Server.Port))
		if err != nil {
			return nil, err
		}
		port, err := strconv.Atoi(answer)
		if err == nil {
			err = validator.ValidatePort(port)
		}
		if err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Server.Port = port
		break
	}

	for {
		key, err := w.ask("Admin key (Enter generates one)", "")
		if err != nil {
			return nil, err
		}
		if key == "" {
			if cfg.Server.AdminKey != "" {
				break
			}
			if key, err = gonanoid.Generate(adminKeyAlphabet, 40); err != nil {
				return nil, fmt.Errorf("failed to generate admin key: %w", err)
			}
			w.printf("Generated admin key: %s\n", key)
		}
		if err := validator.ValidateAdminKey(key); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Server.AdminKey = key
		break
	}

	w.println()

	// Network
	for {
		bridgeURL, err := w.ask("Bridge sidecar URL", cfg.Network.BridgeURL)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateBridgeURL(bridgeURL); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Network.BridgeURL = bridgeURL
		break
	}

	w.println()

	// Store
	for {
		driver, err := w.ask("Tenant store ("+strings.Join(tenants.Drivers, "/")+")", cfg.Store.Driver)
		if err != nil {
			return nil, err
		}
		if err := validator.ValidateStoreDriver(driver); err != nil {
			w.printf("Error: %v\n", err)
			continue
		}
		cfg.Store.Driver = driver
		break
	}

	switch cfg.Store.Driver {
	case tenants.DriverPostgres:
		dsn, err := w.required("Postgres DSN", cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		cfg.Store.DSN = dsn
	case tenants.DriverRedis:
		redisURL, err := w.required("Redis URL", cfg.Store.RedisURL)
		if err != nil {
			return nil, err
		}
		cfg.Store.RedisURL = redisURL
	case tenants.DriverSQLite, tenants.DriverFile:
		path, err := w.ask("Store path (Enter uses the data directory)", cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		cfg.Store.Path = path
	}

	w.println()

	// Log Level
	level, err := w.ask("Log level (debug/info/warn/error)", cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateLogLevel(level); err != nil {
		w.printf("Warning: %v, using default (info)\n", err)
		level = "info"
	}
	cfg.Logging.Level = level

	w.println()
	w.println("Configuration complete!")

	return &cfg, nil
}

// ask prompts with a default shown in brackets; an empty answer returns def.
func (w *Wizard) ask(prompt, def string) (string, error) {
	if def != "" {
		w.printf("%s [%s]: ", prompt, def)
	} else {
		w.printf("%s: ", prompt)
	}
	line, err := w.readLine()
	if err != nil {
		return "", err
	}
	if line == "" {
		return def, nil
	}
	return line, nil
}

func (w *Wizard) required(prompt, def string) (string, error) {
	for {
		answer, err := w.ask(prompt, def)
		if err != nil {
			return "", err
		}
		if answer != "" {
			return answer, nil
		}
		w.printf("Error: %s is required\n", strings.ToLower(prompt))
	}
}

func (w *Wizard) readLine() (string, error) {
	line, err := w.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (w *Wizard) println(a ...interface{}) {
	fmt.Fprintln(w.out, a...)
}

func (w *Wizard) printf(format string, a ...interface{}) {
	fmt.Fprintf(w.out, format, a...)
}
