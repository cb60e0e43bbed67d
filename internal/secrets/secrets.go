// Package secrets resolves credentials that are given indirectly, either as
// ${VAR} references to the environment or as files mounted by Docker or
// Kubernetes secrets.
package secrets

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tphakala/xrayscan/internal/errors"
	"github.com/tphakala/xrayscan/internal/logger"
)

const (
	// maxSecretFileSize limits secret file reads; secrets are passwords and
	// DSNs, not documents.
	maxSecretFileSize = 64 * 1024

	componentName = "secrets"
)

// refPattern matches ${VAR} and ${VAR:-fallback}. A bare $ is left alone so
// literal passwords containing one survive.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// ExpandString replaces ${VAR} references in s with environment values.
// ${VAR:-fallback} uses fallback when VAR is unset or empty. A reference
// without fallback to an unset variable is an error naming the variable,
// never its value.
func ExpandString(s string) (string, error) {
	var missing []string

	expanded := refPattern.ReplaceAllStringFunc(s, func(ref string) string {
		m := refPattern.FindStringSubmatch(ref)
		if value := os.Getenv(m[1]); value != "" {
			return value
		}
		if m[2] != "" {
			return strings.TrimPrefix(m[2], ":-")
		}
		missing = append(missing, m[1])
		return ""
	})

	if len(missing) > 0 {
		return "", errors.Newf("missing required environment variable(s): %s", strings.Join(missing, ", ")).
			Component(componentName).
			Category(errors.CategoryConfiguration).
			Build()
	}
	return expanded, nil
}

// ReadFile reads a secret from path. Trailing newlines are trimmed and an
// empty file is an error. Files readable by group or others are accepted
// with a warning.
func ReadFile(path string) (string, error) {
	if path == "" {
		return "", fileError(errors.NewStd("secret file path is empty"), path)
	}
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return "", fileError(err, path)
	}
	if !info.Mode().IsRegular() {
		return "", fileError(errors.NewStd("secret path is not a regular file"), path)
	}
	if info.Size() > maxSecretFileSize {
		return "", fileError(errors.NewStd("secret file too large"), path)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Global().Module(componentName).Warn("secret file is readable by group or others",
			logger.String("path", path),
			logger.String("mode", perm.String()))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fileError(err, path)
	}

	secret := strings.TrimRight(string(data), "\r\n")
	if secret == "" {
		return "", fileError(errors.NewStd("secret file is empty"), path)
	}
	return secret, nil
}

// Resolve returns the secret from filePath when set, otherwise value with
// environment references expanded. Both empty resolves to "".
func Resolve(filePath, value string) (string, error) {
	if filePath != "" {
		return ReadFile(filePath)
	}
	if value == "" {
		return "", nil
	}
	return ExpandString(value)
}

func fileError(err error, path string) error {
	return errors.New(err).
		Component(componentName).
		Category(errors.CategoryConfiguration).
		Context("path", path).
		Build()
}
