// Package prompts builds the LLM prompts from embedded templates.
package prompts

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"

	"github.com/avklimov/boardprep/internal/model"
)

//go:embed templates/*.txt
var FS embed.FS

// maxDocumentRunes caps how much extracted manual text is embedded in a
// generation prompt.
const maxDocumentRunes = 200000

// maxAnswerRunes caps a single user answer inside a grading prompt.
const maxAnswerRunes = 10000

var (
	loadOnce     sync.Once
	loadErr      error
	generateTmpl *template.Template
	gradeTmpl    *template.Template
)

// Load parses the prompt templates from the given filesystem. It uses
// sync.Once so templates are loaded only once per process.
func Load(fsys fs.FS) error {
	loadOnce.Do(func() {
		generateTmpl, loadErr = parseTemplate(fsys, "templates/generate.txt")
		if loadErr != nil {
			return
		}
		gradeTmpl, loadErr = parseTemplate(fsys, "templates/grade.txt")
	})
	return loadErr
}

func parseTemplate(fsys fs.FS, path string) (*template.Template, error) {
	content, err := fs.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file %s: %w", path, err)
	}
	tmpl, err := template.New(path).Parse(string(content))
	if err != nil {
		return nil, fmt.Errorf("parse prompt template %s: %w", path, err)
	}
	return tmpl, nil
}

// GenerateData holds template data for the question generation prompt.
type GenerateData struct {
	Count          int
	ExcludedTopics []string
	DocumentText   string
}

// BuildGenerate builds the question generation prompt.
func BuildGenerate(data GenerateData) (string, error) {
	if generateTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}

	excluded, err := json.MarshalIndent(data.ExcludedTopics, "", "  ")
	if err != nil {
		return "", err
	}
	if data.ExcludedTopics == nil {
		excluded = []byte("[]")
	}

	var buf bytes.Buffer
	err = generateTmpl.Execute(&buf, struct {
		Count          int
		ExcludedTopics string
		DocumentText   string
	}{
		Count:          data.Count,
		ExcludedTopics: string(excluded),
		DocumentText:   truncate(data.DocumentText, maxDocumentRunes),
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// gradeTriple is one question/expected/response entry in the grading prompt.
type gradeTriple struct {
	Question string `json:"question"`
	Expected string `json:"expected"`
	Response string `json:"response"`
}

// BuildGrade builds the batched grading prompt. Questions and answers must
// already be aligned; the caller checks lengths before any network work.
func BuildGrade(questions []model.Question, answers []string) (string, error) {
	if gradeTmpl == nil {
		return "", errors.New("templates not initialized: call Load first")
	}

	triples := make([]gradeTriple, len(questions))
	for i, q := range questions {
		answer := strings.TrimSpace(answers[i])
		if answer == "" {
			answer = "[No answer provided]"
		}
		triples[i] = gradeTriple{
			Question: q.Question,
			Expected: q.AnswerKey,
			Response: truncate(answer, maxAnswerRunes),
		}
	}
	encoded, err := json.MarshalIndent(triples, "", "  ")
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = gradeTmpl.Execute(&buf, struct{ Triples string }{Triples: string(encoded)})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

func truncate(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n\n[Text truncated due to length]"
}
