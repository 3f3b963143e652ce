package collector

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"lora-trainer/internal/interfaces"
	"lora-trainer/internal/prompts"
)

// ImageRecord is a training image with its generated caption
type ImageRecord struct {
	Path    string `json:"path"`
	Name    string `json:"name"`
	Caption string `json:"caption"`
}

// Collector enumerates training images and captions them
type Collector struct {
	triggerWord string
	extensions  map[string]bool
	templates   *prompts.TemplateEngine
}

// NewCollector creates a collector. The caption template registered in
// templates must reference {{trigger_word}}.
func NewCollector(triggerWord string, extensions []string, templates *prompts.TemplateEngine) (*Collector, error) {
	if strings.TrimSpace(triggerWord) == "" {
		return nil, &interfaces.ConfigurationError{Field: "training.trigger_word", Reason: "must not be empty"}
	}
	if err := templates.RequireVariable(prompts.CaptionTemplate, "trigger_word"); err != nil {
		return nil, &interfaces.ConfigurationError{Field: "training.caption_template", Reason: err.Error()}
	}

	exts := make(map[string]bool, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		exts[ext] = true
	}
	if len(exts) == 0 {
		return nil, &interfaces.ConfigurationError{Field: "training.extensions", Reason: "must list at least one extension"}
	}

	return &Collector{
		triggerWord: triggerWord,
		extensions:  exts,
		templates:   templates,
	}, nil
}

// Collect lists the images of dir in directory-listing order and builds one
// caption per image.
func (c *Collector) Collect(dir string) ([]ImageRecord, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, &interfaces.NoImagesFoundError{Dir: dir, Err: err}
	}

	records := make([]ImageRecord, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := filepath.Ext(entry.Name())
		if !c.extensions[strings.ToLower(ext)] {
			continue
		}

		caption, err := c.Caption(entry.Name())
		if err != nil {
			return nil, fmt.Errorf("failed to caption %s: %w", entry.Name(), err)
		}

		records = append(records, ImageRecord{
			Path:    filepath.Join(dir, entry.Name()),
			Name:    entry.Name(),
			Caption: caption,
		})
	}

	if len(records) == 0 {
		return nil, &interfaces.NoImagesFoundError{Dir: dir}
	}

	return records, nil
}

// Caption renders the caption for a file name
func (c *Collector) Caption(filename string) (string, error) {
	return c.templates.Render(prompts.CaptionTemplate, &prompts.TemplateContext{
		TriggerWord: c.triggerWord,
		Subject:     NormalizeSubject(filename),
	})
}

// NormalizeSubject turns "Happy-Robot_v2.png" into "happy robot v2"
func NormalizeSubject(filename string) string {
	stem := strings.TrimSuffix(filename, filepath.Ext(filename))
	stem = strings.NewReplacer("-", " ", "_", " ").Replace(stem)
	return strings.ToLower(strings.Join(strings.Fields(stem), " "))
}
