// Package artifacts digs screenshots and log excerpts out of CI artifact
// zips so they can ride along as multimodal evidence for the pipeline.
package artifacts

import (
	"archive/zip"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/adept-at/adept-triage-agent-sub000/internal/pipeline"
)

const (
	// maxScreenshots caps how many images ride along with a triage run;
	// provider requests blow past token limits otherwise.
	maxScreenshots = 4

	// maxScreenshotBytes skips pathologically large captures.
	maxScreenshotBytes = 4 << 20

	// maxExcerptBytes is the tail kept per log file.
	maxExcerptBytes = 16 << 10

	// maxReportBytes skips JSON entries too large to be a test report.
	maxReportBytes = 8 << 20
)

var imageMimeTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".webp": "image/webp",
}

// Screenshots extracts image files from artifact zip data, base64-encoded
// for the LLM clients. Failure screenshots are preferred when the zip
// holds more images than the cap.
func Screenshots(zipData []byte) ([]pipeline.Screenshot, error) {
	reader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to read zip: %w", err)
	}

	var candidates []*zip.File
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if _, ok := imageMimeTypes[strings.ToLower(filepath.Ext(f.Name))]; !ok {
			continue
		}
		if f.UncompressedSize64 > maxScreenshotBytes {
			continue
		}
		candidates = append(candidates, f)
	}

	// Cypress and Playwright both mark failure captures with "(failed)"
	// or "-failed" in the filename.
	ordered := make([]*zip.File, 0, len(candidates))
	for _, f := range candidates {
		if isFailureCapture(f.Name) {
			ordered = append(ordered, f)
		}
	}
	for _, f := range candidates {
		if !isFailureCapture(f.Name) {
			ordered = append(ordered, f)
		}
	}

	var shots []pipeline.Screenshot
	for _, f := range ordered {
		if len(shots) >= maxScreenshots {
			break
		}
		content := readZipEntry(f)
		if content == nil {
			continue
		}
		shots = append(shots, pipeline.Screenshot{
			Name:       f.Name,
			MimeType:   imageMimeTypes[strings.ToLower(filepath.Ext(f.Name))],
			Base64Data: base64.StdEncoding.EncodeToString(content),
		})
	}
	return shots, nil
}

func isFailureCapture(name string) bool {
	lower := strings.ToLower(name)
	return strings.Contains(lower, "(failed)") || strings.Contains(lower, "-failed")
}

// Reports extracts JSON entries that may be test-runner reports, keyed by
// entry name. Callers decide whether each one actually parses as a report.
func Reports(zipData []byte) (map[string][]byte, error) {
	reader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to read zip: %w", err)
	}

	reports := make(map[string][]byte)
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(f.Name)) != ".json" {
			continue
		}
		if f.UncompressedSize64 > maxReportBytes {
			continue
		}
		content := readZipEntry(f)
		if len(content) == 0 {
			continue
		}
		reports[f.Name] = content
	}
	return reports, nil
}

// LogExcerpts extracts the tail of each text log inside the zip, keyed by
// entry name.
func LogExcerpts(zipData []byte) (map[string]string, error) {
	reader, err := zip.NewReader(bytes.NewReader(zipData), int64(len(zipData)))
	if err != nil {
		return nil, fmt.Errorf("failed to read zip: %w", err)
	}

	excerpts := make(map[string]string)
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(f.Name))
		if ext != ".txt" && ext != ".log" && ext != ".out" {
			continue
		}
		content := readZipEntry(f)
		if len(content) == 0 {
			continue
		}
		if len(content) > maxExcerptBytes {
			content = content[len(content)-maxExcerptBytes:]
		}
		excerpts[f.Name] = string(content)
	}
	return excerpts, nil
}

// readZipEntry reads a single entry, returning nil on any error. A broken
// entry is not worth failing the whole artifact over.
func readZipEntry(f *zip.File) []byte {
	rc, err := f.Open()
	if err != nil {
		return nil
	}
	defer rc.Close()

	content, err := io.ReadAll(rc)
	if err != nil {
		return nil
	}
	return content
}
