package automation

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"unicode/utf8"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"gopkg.in/yaml.v3"
)

// Function is a named pure function usable from conditions and custom_function actions.
type Function func(ec EvalContext, arg interface{}) (interface{}, error)

type FunctionRegistry struct {
	mu        sync.RWMutex
	functions map[string]registeredFunction
}

type registeredFunction struct {
	fn          Function
	description string
}

// FunctionInfo describes a registered function for the API.
type FunctionInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// NewFunctionRegistry returns a registry holding the built-in functions.
func NewFunctionRegistry() *FunctionRegistry {
	r := &FunctionRegistry{functions: make(map[string]registeredFunction)}
	r.Register("days_in_stage", "Days the lead has spent in its current stage", func(ec EvalContext, _ interface{}) (interface{}, error) {
		if ec.Lead == nil {
			return 0.0, nil
		}
		return ec.Lead.DaysInStage(ec.Now), nil
	})
	r.Register("days_since_created", "Days since the lead was created", func(ec EvalContext, _ interface{}) (interface{}, error) {
		if ec.Lead == nil || ec.Lead.CreatedAt.IsZero() {
			return 0.0, nil
		}
		return ec.Now.Sub(ec.Lead.CreatedAt).Hours() / 24, nil
	})
	r.Register("field_length", "Length of the lead field named by the argument", func(ec EvalContext, arg interface{}) (interface{}, error) {
		v, ok := ec.Lead.Field(stringify(arg))
		if !ok || v == nil {
			return 0, nil
		}
		if items, ok := asSlice(v); ok {
			return len(items), nil
		}
		return utf8.RuneCountInString(stringify(v)), nil
	})
	r.Register("days_until", "Days from now until the date in the lead field named by the argument", func(ec EvalContext, arg interface{}) (interface{}, error) {
		v, ok := ec.Lead.Field(stringify(arg))
		if !ok {
			return nil, nil
		}
		t, ok := toTime(v)
		if !ok {
			return nil, fmt.Errorf("field %q is not a date", stringify(arg))
		}
		return t.Sub(ec.Now).Hours() / 24, nil
	})
	r.Register("tag_count", "Number of tags on the lead", func(ec EvalContext, _ interface{}) (interface{}, error) {
		if ec.Lead == nil {
			return 0, nil
		}
		return len(ec.Lead.Tags), nil
	})
	return r
}

func (r *FunctionRegistry) Register(name, description string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[name] = registeredFunction{fn: fn, description: description}
}

func (r *FunctionRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// Call runs a registered function. Unknown names return *UnknownFunctionError.
func (r *FunctionRegistry) Call(name string, ec EvalContext, arg interface{}) (interface{}, error) {
	r.mu.RLock()
	f, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownFunctionError{Name: name}
	}
	return f.fn(ec, arg)
}

func (r *FunctionRegistry) List() []FunctionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]FunctionInfo, 0, len(r.functions))
	for name, f := range r.functions {
		out = append(out, FunctionInfo{Name: name, Description: f.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// expressionEnv is the variable set an expression function sees.
func expressionEnv(ec EvalContext, arg interface{}) map[string]interface{} {
	fields := map[string]interface{}{}
	stageInfo := map[string]interface{}{}
	daysInStage := 0.0
	if ec.Lead != nil {
		for k, v := range ec.Lead.Fields {
			fields[k] = v
		}
		fields["id"] = ec.Lead.ID
		fields["name"] = ec.Lead.Name
		fields["priority"] = ec.Lead.Priority
		fields["tags"] = ec.Lead.Tags
		fields["stage_id"] = ec.Lead.StageID
		daysInStage = ec.Lead.DaysInStage(ec.Now)
	}
	if ec.Stage != nil {
		stageInfo["id"] = ec.Stage.ID
		stageInfo["name"] = ec.Stage.Name
		stageInfo["order"] = ec.Stage.Order
	}
	return map[string]interface{}{
		"lead":          fields,
		"stage":         stageInfo,
		"now":           ec.Now,
		"user":          ec.UserID,
		"arg":           arg,
		"days_in_stage": daysInStage,
	}
}

// RegisterExpression compiles an expr-lang expression and registers it as a function.
func (r *FunctionRegistry) RegisterExpression(name, expression, description string) error {
	program, err := expr.Compile(expression, expr.Env(expressionEnv(EvalContext{}, nil)))
	if err != nil {
		return fmt.Errorf("compile function %q: %w", name, err)
	}
	r.Register(name, description, expressionFunction(program))
	return nil
}

func expressionFunction(program *vm.Program) Function {
	return func(ec EvalContext, arg interface{}) (interface{}, error) {
		return expr.Run(program, expressionEnv(ec, arg))
	}
}

type functionsFile struct {
	Functions []struct {
		Name        string `yaml:"name"`
		Expression  string `yaml:"expression"`
		Description string `yaml:"description"`
	} `yaml:"functions"`
}

// LoadExpressions registers every function declared in a YAML file and returns how many were loaded.
func (r *FunctionRegistry) LoadExpressions(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read functions file: %w", err)
	}
	var file functionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse functions file: %w", err)
	}
	for _, f := range file.Functions {
		if f.Name == "" {
			return 0, fmt.Errorf("functions file: entry without a name")
		}
		if err := r.RegisterExpression(f.Name, f.Expression, f.Description); err != nil {
			return 0, err
		}
	}
	return len(file.Functions), nil
}
