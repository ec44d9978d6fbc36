package fabric

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/openfroyo/fabprov/pkg/engine"
)

// DryRunCreator reports every resource as created with a synthetic id and
// never touches the network.
type DryRunCreator struct {
	now func() time.Time
}

// NewDryRunCreator returns a DryRunCreator using the wall clock.
func NewDryRunCreator() *DryRunCreator {
	return &DryRunCreator{now: time.Now}
}

// Create returns a synthetic id.
func (d *DryRunCreator) Create(_ context.Context, spec *engine.ResourceSpec, _ string) engine.CreationOutcome {
	return engine.CreationOutcome{
		Status:     engine.CreationCreated,
		ResolvedID: d.syntheticID(spec.DisplayName),
	}
}

// Lookup returns a synthetic id.
func (d *DryRunCreator) Lookup(_ context.Context, spec *engine.ResourceSpec, _ string) (string, error) {
	return d.syntheticID(spec.DisplayName), nil
}

func (d *DryRunCreator) syntheticID(name string) string {
	return "local-" + Sanitize(name) + "-" + d.now().UTC().Format("20060102150405")
}

// Sanitize lower-cases name and replaces every run of characters other than
// letters and digits with a single dash.
func Sanitize(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
