package oracle

import (
	"bytes"
	"encoding/json"
	"text/template"
)

type prompt struct {
	system string
	user   *template.Template
}

var funcs = template.FuncMap{
	"json": func(v interface{}) string {
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "null"
		}
		return string(b)
	},
}

func mustPrompt(name, system, user string) prompt {
	return prompt{system: system, user: template.Must(template.New(name).Funcs(funcs).Parse(user))}
}

func (p prompt) render(data interface{}) (string, error) {
	var buf bytes.Buffer
	if err := p.user.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

var prompts = map[Shape]prompt{
	ShapePlan: mustPrompt("plan",
		`You decompose automation requests into a few subtasks. Reply with a JSON array only.
Each element: {"id": int, "description": string, "capability_query": string, "depends_on": [int]}.
Exactly one subtask has an empty depends_on. Dependencies must not form a cycle. Prefer a single subtask when one tool can do the job.`,
		`Use at most {{.MaxSubtasks}} subtasks.

Request:
{{.Request}}
{{if .Feedback}}
The previous plan was rejected: {{.Feedback}}
{{end}}`),

	ShapeDecision: mustPrompt("decision",
		`You decide whether an existing tool directly satisfies a capability. Only answer match=true for a strong, direct fit: same inputs, same outputs, same effect. Partial or tangential fits are match=false.
Reply with JSON only: {"match": bool, "tool_name": string|null, "confidence": number between 0 and 1, "reason": string}.`,
		`Capability needed:
{{.Query}}

Available tools:
{{json .Candidates}}`),

	ShapeToolSpec: mustPrompt("tool_spec",
		`You design a single Python tool for a capability. Reply with JSON only:
{"name": snake_case identifier, "description": string,
 "input_schema": {"type": "object", "properties": {"param": {"type": "string|integer|number|boolean|array|object"}}, "required": [..]},
 "output_schema": {"field": "type"}, "packages": [pip names], "system_packages": [os package names], "idempotent": bool}.
Every URL, path, credential or tunable value must be an input parameter. idempotent is true only for side-effect-free tools.`,
		`Capability:
{{.Capability}}

Task context:
{{.Description}}
{{if .Reference}}
Reference material:
{{.Reference}}
{{end}}{{if .Feedback}}
The previous specification was rejected: {{.Feedback}}
{{end}}`),

	ShapeCode: mustPrompt("code",
		`You write the body of one Python tool. Define exactly the function named in the specification with parameters exactly matching input_schema, returning a dict with exactly the output_schema fields.
Do not write try/except blocks. Do not hard-code URLs, paths or credentials. Do not include an if __name__ == "__main__" block.
Reply with a ` + "```json" + ` block {"code": string, "packages": [..], "system_packages": [..]} when dependencies change, otherwise a ` + "```python" + ` block with the code only.`,
		`Specification:
{{json .Spec}}
{{if .Feedback}}
Previous attempt was rejected: {{.Feedback}}
{{end}}`),

	codeCorrection: mustPrompt("correction",
		`You repair a failing Python tool with the smallest possible edit. Keep the function name, parameters and returned fields unchanged.
Never use packages listed as discarded; implement a fallback without them.
Reply with a ` + "```json" + ` block {"code": string, "packages": [..], "system_packages": [..]} when dependencies change, otherwise a ` + "```python" + ` block with the code only.`,
		`Attempt {{.Attempt}} of {{.TotalAttempts}} failed.

Tool: {{.Name}}
Input schema: {{json .InputSchema}}
Output schema: {{json .OutputSchema}}
Packages: {{json .Packages}}
System packages: {{json .SystemPackages}}
Discarded packages (never use): {{json .DiscardedPackages}}
Discarded system packages (never use): {{json .DiscardedSystemPackages}}
Package failure counts: {{json .FailureCounts}}

Error ({{.ErrorKind}}):
{{.ErrorMessage}}

Fault log:
{{range $i, $f := .FaultLog}}{{$i}}. {{$f}}
{{end}}
Faulty code:
` + "```python\n{{.Code}}\n```"),

	ShapeArguments: mustPrompt("arguments",
		`You extract tool arguments from a task description. Reply with JSON only:
{"arguments": {param: value}, "missing": [required params you cannot fill], "question": string asking for the missing values}.
Never invent credentials or personal data; list them as missing instead.`,
		`Task:
{{.Task}}

Tool: {{.Tool}}
Input schema: {{json .InputSchema}}
Required: {{json .Required}}
{{if .Context}}
Additional context:
{{.Context}}
{{end}}{{if .PriorResults}}
Results of earlier subtasks:
{{range .PriorResults}}- {{.}}
{{end}}{{end}}`),

	ShapeReview: mustPrompt("review",
		`You check whether an answer fully satisfies a request. Reply with JSON only: {"finish": bool, "reason": string}.`,
		`Request:
{{.Request}}

Answer:
{{.Answer}}`),
}

// codeCorrection selects the correction prompt; its replies parse as ShapeCode.
const codeCorrection Shape = "correction"
