package neurons

import (
	"context"
	"go/parser"
	"go/token"
	"strings"

	"github.com/neuralcore/engine/pkg/core"
)

// forbiddenConstructs is the list of substrings a generated program must
// never contain. It is a fixed package-level list; CodeValidator offers no
// way to change it at construction or run time.
var forbiddenConstructs = []string{"os.Exit", "os/exec", "syscall.", "unsafe."}

// CodeValidator implements spec.md §4.2's Code Validator: parseability,
// presence of a setResult call, presence of a reference to the selected
// tool, absence of forbidden constructs. Independent of the language
// model.
type CodeValidator struct {
	bus *core.EventBus
}

// NewCodeValidator builds a Code Validator.
func NewCodeValidator(bus *core.EventBus) *CodeValidator {
	return &CodeValidator{bus: bus}
}

// Process validates code against toolName.
func (v *CodeValidator) Process(ctx context.Context, goalID, code, toolName string, depth int) (ValidationResult, error) {
	var result ValidationResult
	err := emitEvent(v.bus, goalID, "neuron/code_validator", func() error {
		result = v.validate(code, toolName)
		return nil
	})
	return result, err
}

func (v *CodeValidator) validate(code, toolName string) ValidationResult {
	var problems []string

	fset := token.NewFileSet()
	if _, err := parser.ParseFile(fset, "generated.go", code, parser.AllErrors); err != nil {
		problems = append(problems, "not parseable as Go: "+err.Error())
	}

	if !strings.Contains(code, "SetResult(") {
		problems = append(problems, "missing a call to sandbox.SetResult")
	}

	if toolName != "" && !strings.Contains(code, toolName) {
		problems = append(problems, "no reference to the selected tool "+toolName)
	}

	for _, forbidden := range forbiddenConstructs {
		if strings.Contains(code, forbidden) {
			problems = append(problems, "forbidden construct: "+forbidden)
		}
	}

	return ValidationResult{Valid: len(problems) == 0, Problems: problems}
}
