package validate

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"updatehub/services/update"
)

// schemaValidator checks SCHEMA payloads: {"current": <schema|null>,
// "proposed": <schema>}. MEDIUM and above compiles both snapshots as JSON
// Schema and verifies the diff is reversible by construction.
type schemaValidator struct{}

func (v *schemaValidator) Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if isRemoval(payload) {
		if _, ok := payload["current"]; !ok {
			return fail("removal payload must carry the schema being removed as current"), nil
		}
		return pass(), nil
	}

	proposed, ok := payload["proposed"].(map[string]any)
	if !ok || len(proposed) == 0 {
		return fail("proposed schema is required and must be an object"), nil
	}

	if !atLeast(risk, update.RiskMedium) {
		return pass("structural checks only"), nil
	}

	if diags := compileSchema("proposed", proposed); len(diags) > 0 {
		return Result{Diagnostics: diags}, nil
	}
	if current, ok := payload["current"].(map[string]any); ok {
		if diags := compileSchema("current", current); len(diags) > 0 {
			return Result{Diagnostics: diags}, nil
		}
		if reflect.DeepEqual(current, proposed) {
			return fail("proposed schema is identical to current schema"), nil
		}
	}

	return pass("schemas compile, diff is reversible"), nil
}

func compileSchema(label string, schema map[string]any) []string {
	raw, err := json.Marshal(schema)
	if err != nil {
		return []string{fmt.Sprintf("%s schema: %v", label, err)}
	}
	if _, err := jsonschema.CompileString(label+".json", string(raw)); err != nil {
		return []string{fmt.Sprintf("%s schema does not compile: %v", label, err)}
	}
	return nil
}

// codeValidator checks CODE_MODULE payloads: {"modules": {path: source},
// "prior": {path: source}}. HIGH risk hands the module map to the sandbox for
// an execution and test run.
type codeValidator struct {
	sandbox Sandbox
}

func (v *codeValidator) Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	modules, diags := moduleMap(payload)
	if len(diags) > 0 {
		return Result{Diagnostics: diags}, nil
	}

	if atLeast(risk, update.RiskMedium) {
		for path, source := range modules {
			if !utf8.ValidString(source) {
				return fail("module %s is not valid UTF-8", path), nil
			}
			if strings.ContainsRune(source, 0) {
				return fail("module %s contains NUL bytes", path), nil
			}
		}
	}

	if !atLeast(risk, update.RiskHigh) {
		return pass(), nil
	}

	if v.sandbox == nil {
		return fail("high-risk code update requires a sandbox runner, none configured"), nil
	}
	return v.sandbox.Run(ctx, modules)
}

func moduleMap(payload map[string]any) (map[string]string, []string) {
	raw, ok := payload["modules"].(map[string]any)
	if !ok || len(raw) == 0 {
		return nil, []string{"modules map is required and must not be empty"}
	}
	modules := make(map[string]string, len(raw))
	for path, src := range raw {
		if strings.TrimSpace(path) == "" {
			return nil, []string{"module paths must not be empty"}
		}
		source, ok := src.(string)
		if !ok {
			return nil, []string{fmt.Sprintf("module %s source must be a string", path)}
		}
		if source == "" {
			return nil, []string{fmt.Sprintf("module %s source is empty", path)}
		}
		modules[path] = source
	}
	return modules, nil
}

// playbookValidator checks PLAYBOOK payloads: {"name": string, "body":
// {"steps": [{"action": ...}, ...]}}.
type playbookValidator struct{}

func (v *playbookValidator) Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	name, _ := payload["name"].(string)
	if strings.TrimSpace(name) == "" {
		return fail("playbook name is required"), nil
	}
	if isRemoval(payload) {
		return pass(), nil
	}

	body, ok := payload["body"].(map[string]any)
	if !ok {
		return fail("playbook body is required"), nil
	}
	steps, ok := body["steps"].([]any)
	if !ok || len(steps) == 0 {
		return fail("playbook must contain at least one step"), nil
	}
	for i, raw := range steps {
		step, ok := raw.(map[string]any)
		if !ok {
			return fail("step %d is not an object", i), nil
		}
		action, _ := step["action"].(string)
		if strings.TrimSpace(action) == "" {
			return fail("step %d is missing an action", i), nil
		}
	}
	return pass(), nil
}

// configValidator checks CONFIG payloads: {"key": string, "current": any,
// "proposed": any}. MEDIUM and above requires proposed and current to agree
// on type when both are present.
type configValidator struct{}

func (v *configValidator) Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	if isRemoval(payload) {
		return pass(), nil
	}

	proposed, ok := payload["proposed"]
	if !ok && len(payload) > 0 {
		// Bare value payloads (e.g. {"max_connections": 50}) are accepted as
		// the proposed config itself.
		return pass(), nil
	}
	if !ok || proposed == nil {
		return fail("proposed config value is required"), nil
	}

	if atLeast(risk, update.RiskMedium) {
		if current, ok := payload["current"]; ok && current != nil {
			if reflect.TypeOf(current) != reflect.TypeOf(proposed) {
				return fail("proposed value type %T does not match current type %T", proposed, current), nil
			}
			if reflect.DeepEqual(current, proposed) {
				return fail("proposed config is identical to current config"), nil
			}
		}
	}
	return pass(), nil
}

var metricNamePattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// metricValidator checks METRIC_DEFINITION payloads: {"name": string,
// "definition": {"query": string, ...}}.
type metricValidator struct{}

func (v *metricValidator) Validate(ctx context.Context, payload map[string]any, risk update.RiskLevel) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	name, _ := payload["name"].(string)
	if !metricNamePattern.MatchString(name) {
		return fail("metric name %q is not a valid identifier", name), nil
	}
	if isRemoval(payload) {
		return pass(), nil
	}

	definition, ok := payload["definition"].(map[string]any)
	if !ok {
		return fail("metric definition is required"), nil
	}
	query, _ := definition["query"].(string)
	if strings.TrimSpace(query) == "" {
		return fail("metric definition must include a query"), nil
	}
	return pass(), nil
}
