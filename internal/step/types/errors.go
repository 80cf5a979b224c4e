package types

import (
	"ciengine/internal/apperrors"
	"errors"
	"fmt"
	"path"
	"strings"
)

var (
	errNoShell   = errors.New("no shell configured")
	errNoRemote  = errors.New("no remote transport configured")
	errNoSecrets = errors.New("no credential resolver configured")
)

// exitError describes a command that ran and exited non-zero.
func exitError(what string, code int) error {
	return fmt.Errorf("%s exited with code %d", what, code)
}

func required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return apperrors.Validation(field, field+" is required")
	}
	return nil
}

// relativePath validates a workspace-relative path.
func relativePath(field, p string) error {
	if p == "" {
		return nil
	}
	if strings.HasPrefix(p, "/") {
		return apperrors.Validation(field, field+" must be relative to the workspace")
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return apperrors.Validation(field, field+" must not escape the workspace")
	}
	return nil
}

func secretNames(field string, secrets map[string]string) error {
	for name, ref := range secrets {
		if name == "" || strings.ContainsAny(name, "= ") {
			return apperrors.Validation(field+".secrets", fmt.Sprintf("invalid variable name %q", name))
		}
		if ref == "" {
			return apperrors.Validation(field+".secrets."+name, "credential reference is required")
		}
	}
	return nil
}
