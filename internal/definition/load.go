package definition

import (
	"bytes"
	"ciengine/internal/apperrors"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads definitions from a file or, for a directory, from every
// *.yaml and *.yml file below it.
func Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions: %w", err)
	}

	var files []string
	if info.IsDir() {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if p != path && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			switch filepath.Ext(p) {
			case ".yaml", ".yml":
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", path, err)
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	var defs []*BuildDefinition
	for _, f := range files {
		loaded, err := LoadFile(f)
		if err != nil {
			return nil, err
		}
		defs = append(defs, loaded...)
	}
	return NewCatalog(defs)
}

// LoadFile decodes every YAML document of a file. Each definition is
// structurally validated; cross-definition checks happen in NewCatalog.
func LoadFile(path string) ([]*BuildDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	defs, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, d := range defs {
		d.Source = path
	}
	return defs, nil
}

// Parse decodes definitions from a multi-document YAML stream.
func Parse(data []byte) ([]*BuildDefinition, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var defs []*BuildDefinition
	for i := 0; ; i++ {
		var d BuildDefinition
		err := dec.Decode(&d)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, apperrors.Validation(fmt.Sprintf("document %d", i), err.Error())
		}
		if d.ID == "" && len(d.Steps) == 0 {
			// empty document
			continue
		}
		if err := d.normalize(); err != nil {
			return nil, prefix(d.ID, err)
		}
		defs = append(defs, &d)
	}
	return defs, nil
}

// prefix names the definition in a validation error's field.
func prefix(id string, err error) error {
	var appErr *apperrors.Error
	if id == "" || !errors.As(err, &appErr) || appErr.Field == "" {
		return err
	}
	c := *appErr
	c.Field = id + "." + appErr.Field
	c.Message = fmt.Sprintf("definition %s: %s", id, appErr.Message)
	return &c
}
