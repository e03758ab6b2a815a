package loader

import (
	_ "embed"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// The cue runtime is not safe for concurrent use; schemaMu guards it.
var (
	schemaMu    sync.Mutex
	schemaCtx   *cue.Context
	manifestDef cue.Value
	schemaErr   error
)

func manifestSchema() (*cue.Context, cue.Value, error) {
	if schemaCtx == nil && schemaErr == nil {
		ctx := cuecontext.New()
		v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
		if err := v.Err(); err != nil {
			schemaErr = err
		} else {
			def := v.LookupPath(cue.ParsePath("#Manifest"))
			if err := def.Err(); err != nil {
				schemaErr = err
			} else {
				schemaCtx, manifestDef = ctx, def
			}
		}
	}
	return schemaCtx, manifestDef, schemaErr
}

// ValidateDocument checks a decoded manifest document against the embedded
// schema. Violations are reported as a *ValidationError listing each one.
func ValidateDocument(doc any) error {
	schemaMu.Lock()
	defer schemaMu.Unlock()

	ctx, def, err := manifestSchema()
	if err != nil {
		return fmt.Errorf("manifest schema: %w", err)
	}
	v := ctx.Encode(doc)
	if err := v.Err(); err != nil {
		return &ValidationError{Issues: []string{err.Error()}}
	}
	if err := def.Unify(v).Validate(cue.Concrete(true)); err != nil {
		verr := &ValidationError{}
		for _, e := range cueerrors.Errors(err) {
			verr.Issues = append(verr.Issues, e.Error())
		}
		return verr
	}
	return nil
}
