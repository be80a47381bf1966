package upload

import "context"

// Preset names the target rendition for input standardization.
type Preset string

const (
	Preset1280x720  Preset = "1280x720"
	Preset1920x1080 Preset = "1920x1080"
	Preset3840x2160 Preset = "3840x2160"
)

// Standardizer inspects an input file before upload and, when needed,
// converts it into a broadly ingestible rendition. It returns the path of
// the file to upload, which is the input path itself when no conversion is
// needed.
//
// The engine treats standardization as an opaque capability: when it fails,
// the failure is logged and the original file is uploaded instead.
type Standardizer interface {
	Standardize(ctx context.Context, path string, preset Preset) (string, error)
}

// NopStandardizer returns every input unchanged.
type NopStandardizer struct{}

// Standardize implements Standardizer.
func (NopStandardizer) Standardize(_ context.Context, path string, _ Preset) (string, error) {
	return path, nil
}
