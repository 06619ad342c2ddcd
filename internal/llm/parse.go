package llm

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/avklimov/boardprep/internal/model"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Models are asked to return bare JSON but routinely wrap it in Markdown code
// fences anyway; strip them before parsing.
var codeFenceRegex = regexp.MustCompile("```(?:json)?|```")

// questionListSchema validates the shape of a generation response: a list of
// objects with string fields. Presence of question/answer_key is a semantic
// filter applied after validation, not a schema requirement.
const questionListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"topic": {"type": "string"},
			"question": {"type": "string"},
			"answer_key": {"type": "string"}
		}
	}
}`

// evaluationListSchema validates a grading response: every element must carry
// a bounded integer score, feedback, and a model answer.
const evaluationListSchema = `{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"score": {"type": "integer", "minimum": 0, "maximum": 10},
			"feedback": {"type": "string"},
			"model_answer": {"type": "string"}
		},
		"required": ["score", "feedback", "model_answer"]
	}
}`

// schemaCache caches compiled schemas by URL.
var schemaCache sync.Map // map[string]*jsonschema.Schema

// validate checks raw against the named schema. Any mismatch, including
// invalid JSON, is ErrGenerationParse: the boundary is strict, never a
// best-effort partial parse.
func validate(name, schemaJSON, raw string) (any, error) {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", model.ErrGenerationParse, err)
	}

	compiled, err := compiledSchema(name, schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}

	if err := compiled.Validate(parsed); err != nil {
		return nil, fmt.Errorf("%w: schema validation: %v", model.ErrGenerationParse, err)
	}
	return parsed, nil
}

func compiledSchema(name, schemaJSON string) (*jsonschema.Schema, error) {
	url := "schema://" + name + ".json"
	if cached, ok := schemaCache.Load(url); ok {
		return cached.(*jsonschema.Schema), nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile: %w", err)
	}

	schemaCache.Store(url, compiled)
	return compiled, nil
}

// stripFences removes Markdown code-fence markers and surrounding whitespace.
func stripFences(raw string) string {
	return strings.TrimSpace(codeFenceRegex.ReplaceAllString(strings.TrimSpace(raw), ""))
}

type generatedQuestion struct {
	Topic     string `json:"topic"`
	Question  string `json:"question"`
	AnswerKey string `json:"answer_key"`
}

// parseQuestionList parses a generation response into questions, dropping
// entries missing a question or answer key.
func parseQuestionList(raw string) ([]model.Question, error) {
	cleaned := stripFences(raw)
	if _, err := validate("question-list", questionListSchema, cleaned); err != nil {
		return nil, err
	}

	var items []generatedQuestion
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		return nil, fmt.Errorf("%w: decode question list: %v", model.ErrGenerationParse, err)
	}

	var questions []model.Question
	for _, item := range items {
		q := model.Question{
			Topic:     strings.TrimSpace(item.Topic),
			Question:  strings.TrimSpace(item.Question),
			AnswerKey: strings.TrimSpace(item.AnswerKey),
		}
		if q.Question == "" || q.AnswerKey == "" {
			continue
		}
		questions = append(questions, q)
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("%w: no usable questions in response", model.ErrGenerationParse)
	}
	return questions, nil
}

type gradedAnswer struct {
	Score       int    `json:"score"`
	Feedback    string `json:"feedback"`
	ModelAnswer string `json:"model_answer"`
}

// parseEvaluationList parses a grading response. The list must have exactly
// want elements; anything else is a parse error.
func parseEvaluationList(raw string, want int) ([]model.Evaluation, error) {
	cleaned := stripFences(raw)
	if _, err := validate("evaluation-list", evaluationListSchema, cleaned); err != nil {
		return nil, err
	}

	var items []gradedAnswer
	if err := json.Unmarshal([]byte(cleaned), &items); err != nil {
		return nil, fmt.Errorf("%w: decode evaluation list: %v", model.ErrGenerationParse, err)
	}
	if len(items) != want {
		return nil, fmt.Errorf("%w: got %d evaluations for %d questions", model.ErrGenerationParse, len(items), want)
	}

	evals := make([]model.Evaluation, len(items))
	for i, item := range items {
		evals[i] = model.Evaluation{
			Score:       item.Score,
			Feedback:    item.Feedback,
			ModelAnswer: item.ModelAnswer,
		}
	}
	return evals, nil
}
