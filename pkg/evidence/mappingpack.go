package evidence

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/corsairtrust/cpoe-core/pkg/apperrors"
)

// MappingPack maps a source tool's control identifiers onto a target
// compliance framework's control identifiers, loaded from a YAML file
// under CORSAIR_MAPPING_DIR.
type MappingPack struct {
	Framework string            `yaml:"framework"`
	Version   string            `yaml:"version"`
	Mappings  map[string]string `yaml:"mappings"` // source control id -> framework control id
}

// LoadMappingPacks reads every *.yaml/*.yml file in dir into a MappingPack,
// keyed by Framework.
func LoadMappingPacks(dir string) (map[string]*MappingPack, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*MappingPack{}, nil
		}
		return nil, apperrors.Wrapf(err, apperrors.KindServerError, "read mapping pack dir %s", dir)
	}

	packs := make(map[string]*MappingPack)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindServerError, "read mapping pack %s", path)
		}

		var pack MappingPack
		if err := yaml.Unmarshal(data, &pack); err != nil {
			return nil, apperrors.Wrapf(err, apperrors.KindValidation, "parse mapping pack %s", path)
		}
		if pack.Framework == "" {
			return nil, apperrors.New(apperrors.KindValidation, fmt.Sprintf("mapping pack %s missing framework name", path))
		}

		packs[pack.Framework] = &pack
	}

	return packs, nil
}

// ApplyMappingPack rewrites each control's ID to the framework's ID per
// pack.Mappings. Controls with no entry in the pack are left untouched. A
// single evidence-only-mapping warning is returned only when no control at
// all matched the pack.
func ApplyMappingPack(doc *AssessmentDocument, pack *MappingPack) []Warning {
	var warnings []Warning
	if pack == nil {
		return warnings
	}

	mapped := false
	for i, c := range doc.Controls {
		if target, ok := pack.Mappings[c.ID]; ok {
			doc.Controls[i].ID = target
			mapped = true
		}
	}

	if !mapped && len(doc.Controls) > 0 {
		warnings = append(warnings, Warning{
			Code:    WarnEvidenceOnlyMapping,
			Message: fmt.Sprintf("no controls matched mapping pack %s; evidence-only mapping applied", pack.Framework),
		})
	}

	return warnings
}
