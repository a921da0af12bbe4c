package orchestrator

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

var (
	lean4Block = regexp.MustCompile("(?s)```lean4(.*?)```")
	leanBlock  = regexp.MustCompile("(?s)```lean(.*?)```")
)

// BuildPrompt asks the generator to prove statement, listing already proven
// facts as axioms it may use.
func BuildPrompt(statement string, facts []string) string {
	var b strings.Builder
	b.WriteString("Complete the following Lean 4 code with a full proof.\n")
	if len(facts) > 0 {
		b.WriteString("You may use the following proven facts, stated as axioms.\n")
	}
	b.WriteString("\n```lean4\n")
	if len(facts) > 0 {
		b.WriteString(strings.Join(facts, "\n\n"))
		b.WriteString("\n\n")
	}
	b.WriteString(strings.TrimSpace(statement))
	b.WriteString("\n```\n")
	return b.String()
}

// ExtractCode returns the last ```lean4 block of a model output, then the
// last ```lean block, then the whole output.
func ExtractCode(output string) string {
	for _, re := range []*regexp.Regexp{lean4Block, leanBlock} {
		if m := re.FindAllStringSubmatch(output, -1); len(m) > 0 {
			return strings.TrimSpace(m[len(m)-1][1])
		}
	}
	return strings.TrimSpace(output)
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p"`
}

func chatPayload(model, prompt string, maxTokens int, temperature float64) ([]byte, error) {
	return sonic.Marshal(chatRequest{
		Model:       model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        1.0,
	})
}

// chatContent reads choices[0].message.content from a chat completion.
func chatContent(body []byte) (string, error) {
	node, err := sonic.Get(body, "choices", 0, "message", "content")
	if err != nil {
		return "", fmt.Errorf("chat completion has no content: %w", err)
	}
	return node.String()
}

type compileRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

// CompileResult is the verdict of the proof compiler.
type CompileResult struct {
	// Pass means the code compiles, possibly with sorry.
	Pass bool
	// Complete means the code compiles without sorry.
	Complete bool
}

func compileResult(body []byte) (CompileResult, error) {
	if !sonic.Valid(body) {
		return CompileResult{}, fmt.Errorf("compiler returned invalid JSON")
	}
	var res CompileResult
	if node, err := sonic.Get(body, "compilation_result", "pass"); err == nil {
		res.Pass, _ = node.Bool()
	}
	if node, err := sonic.Get(body, "compilation_result", "complete"); err == nil {
		res.Complete, _ = node.Bool()
	}
	return res, nil
}

// forbidden marks generator output that proves nothing on its own.
var forbidden = []string{"apply?", "exact?", "admit", "axiom "}

// Acceptable reports whether extracted code is worth verifying.
func Acceptable(code string) bool {
	if strings.TrimSpace(code) == "" {
		return false
	}
	for _, f := range forbidden {
		if strings.Contains(code, f) {
			return false
		}
	}
	return true
}
