package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"
	"time"
)

// CodeReadingStage gathers the source context the later stages reason
// over. It never calls the generator: it structurally scans the fetched
// test file for imports, custom command invocations, and page-object
// references, then resolves and fetches each candidate file. Missing
// files are silently skipped; only a missing primary test file fails the
// stage.
type CodeReadingStage struct {
	src SourceReader
}

var (
	importRe  = regexp.MustCompile(`import\s+(?:[\w{},*\s]+\s+from\s+)?['"]([^'"]+)['"]`)
	requireRe = regexp.MustCompile(`require\(\s*['"]([^'"]+)['"]\s*\)`)
	// cy.foo( / this.foo( style invocations whose name may be a custom command.
	commandRe = regexp.MustCompile(`\bcy\.(\w+)\s*\(`)
	// Variables following page-object naming conventions.
	pageObjectRe = regexp.MustCompile(`\b([A-Za-z]\w*(?:Page|PO|Modal|Panel))\s*\.`)
	// Cypress.Commands.add('name' — matched inside support files.
	commandDefRe = regexp.MustCompile(`Cypress\.Commands\.add\(\s*['"](\w+)['"]`)
)

// standardCommands is the known built-in command vocabulary; cy.* calls
// outside this set are treated as custom helpers worth resolving.
var standardCommands = map[string]bool{
	"visit": true, "get": true, "contains": true, "click": true,
	"type": true, "wait": true, "should": true, "and": true,
	"intercept": true, "request": true, "url": true, "find": true,
	"first": true, "last": true, "eq": true, "its": true, "invoke": true,
	"wrap": true, "log": true, "reload": true, "clear": true,
	"check": true, "uncheck": true, "select": true, "scrollTo": true,
	"scrollIntoView": true, "screenshot": true, "viewport": true,
	"fixture": true, "task": true, "exec": true, "readFile": true,
	"writeFile": true, "session": true, "origin": true, "on": true,
	"off": true, "stub": true, "spy": true, "clock": true, "tick": true,
	"then": true, "each": true, "within": true, "root": true,
	"document": true, "window": true, "title": true, "go": true,
	"location": true, "hash": true, "focused": true, "blur": true,
	"focus": true, "submit": true, "trigger": true, "hover": true,
	"dblclick": true, "rightclick": true, "mount": true,
}

// supportFilePaths are conventional locations for shared test helpers.
var supportFilePaths = []string{
	"cypress/support/commands.ts",
	"cypress/support/commands.js",
	"cypress/support/e2e.ts",
	"cypress/support/e2e.js",
	"cypress/support/index.js",
}

// resolveExtensions are tried, in order, when an import omits one.
var resolveExtensions = []string{"", ".ts", ".js", ".tsx", ".jsx", "/index.ts", "/index.js"}

// Execute fetches the test file and every resolvable reference from it.
func (s *CodeReadingStage) Execute(ctx context.Context, fc *FailureContext) StageResult[CodeReadingOutput] {
	start := time.Now()

	content, err := s.src.ReadFile(ctx, fc.TestFile, fc.CommitSHA)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return failedResult[CodeReadingOutput](start, 0, fmt.Sprintf("test file not found: %s", fc.TestFile))
		}
		return failedResult[CodeReadingOutput](start, 0, fmt.Sprintf("failed to read test file %s: %v", fc.TestFile, err))
	}

	out := &CodeReadingOutput{TestFileContent: content}
	seen := map[string]bool{fc.TestFile: true}

	// Imported modules, resolved relative to the test file.
	for _, imp := range scanImports(content) {
		if resolved, text, ok := s.resolveAndFetch(ctx, fc, imp, seen); ok {
			out.RelatedFiles = append(out.RelatedFiles, RelatedFile{
				Path: resolved, Content: text, Relevance: "import",
			})
		}
	}

	// Support files that may hold custom command definitions.
	customCalls := scanCustomCommands(content)
	for _, sf := range supportFilePaths {
		if seen[sf] {
			continue
		}
		text, err := s.src.ReadFile(ctx, sf, fc.CommitSHA)
		if err != nil {
			continue
		}
		seen[sf] = true
		out.RelatedFiles = append(out.RelatedFiles, RelatedFile{
			Path: sf, Content: text, Relevance: "support-file",
		})
		for _, def := range commandDefRe.FindAllStringSubmatch(text, -1) {
			out.CustomCommands = append(out.CustomCommands, CustomCommand{
				Name:       def[1],
				File:       sf,
				Definition: surroundingLine(text, "Cypress.Commands.add('"+def[1]+"'"),
			})
		}
	}

	// Custom calls with no discovered definition are still reported so the
	// investigation can flag them.
	defined := map[string]bool{}
	for _, cc := range out.CustomCommands {
		defined[cc.Name] = true
	}
	for _, name := range customCalls {
		if !defined[name] {
			out.CustomCommands = append(out.CustomCommands, CustomCommand{Name: name})
		}
	}

	for _, po := range scanPageObjects(content) {
		out.PageObjects = append(out.PageObjects, PageObject{Name: po, File: importFileFor(out.RelatedFiles, po)})
	}

	out.Summary = summarize(fc, out)

	return StageResult[CodeReadingOutput]{
		Success:  true,
		Data:     out,
		Duration: time.Since(start),
	}
}

// resolveAndFetch turns an import target into a repository path and fetches
// it, trying the default extension set. Non-relative (package) imports are
// skipped.
func (s *CodeReadingStage) resolveAndFetch(ctx context.Context, fc *FailureContext, imp string, seen map[string]bool) (string, string, bool) {
	if !strings.HasPrefix(imp, ".") {
		return "", "", false
	}
	base := path.Join(path.Dir(fc.TestFile), imp)
	for _, ext := range resolveExtensions {
		candidate := base + ext
		if seen[candidate] {
			continue
		}
		text, err := s.src.ReadFile(ctx, candidate, fc.CommitSHA)
		if err != nil {
			continue
		}
		seen[candidate] = true
		return candidate, text, true
	}
	return "", "", false
}

// scanImports collects import/require targets in source order, deduplicated.
func scanImports(content string) []string {
	var targets []string
	seen := map[string]bool{}
	for _, re := range []*regexp.Regexp{importRe, requireRe} {
		for _, m := range re.FindAllStringSubmatch(content, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				targets = append(targets, m[1])
			}
		}
	}
	return targets
}

// scanCustomCommands returns cy.* call names outside the standard
// vocabulary, sorted for stable output.
func scanCustomCommands(content string) []string {
	seen := map[string]bool{}
	for _, m := range commandRe.FindAllStringSubmatch(content, -1) {
		if !standardCommands[m[1]] {
			seen[m[1]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// scanPageObjects returns identifiers matching page-object naming
// conventions, sorted and deduplicated.
func scanPageObjects(content string) []string {
	seen := map[string]bool{}
	for _, m := range pageObjectRe.FindAllStringSubmatch(content, -1) {
		seen[m[1]] = true
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// importFileFor finds the fetched file most likely defining name.
func importFileFor(files []RelatedFile, name string) string {
	lower := strings.ToLower(name)
	for _, f := range files {
		base := strings.ToLower(strings.TrimSuffix(path.Base(f.Path), path.Ext(f.Path)))
		if base == lower || strings.Contains(f.Content, name) {
			return f.Path
		}
	}
	return ""
}

// surroundingLine returns the line of content containing marker, trimmed.
func surroundingLine(content, marker string) string {
	idx := strings.Index(content, marker)
	if idx < 0 {
		return ""
	}
	lineStart := strings.LastIndexByte(content[:idx], '\n') + 1
	lineEnd := strings.IndexByte(content[idx:], '\n')
	if lineEnd < 0 {
		lineEnd = len(content) - idx
	}
	return strings.TrimSpace(content[lineStart : idx+lineEnd])
}

// summarize renders a short description of what was gathered. Partial
// discovery failures degrade this summary, not the stage result.
func summarize(fc *FailureContext, out *CodeReadingOutput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Read %s (%d bytes)", fc.TestFile, len(out.TestFileContent))
	if n := len(out.RelatedFiles); n > 0 {
		fmt.Fprintf(&b, ", %d related file(s)", n)
	}
	if n := len(out.CustomCommands); n > 0 {
		fmt.Fprintf(&b, ", %d custom command(s)", n)
	}
	if n := len(out.PageObjects); n > 0 {
		fmt.Fprintf(&b, ", %d page object(s)", n)
	}
	return b.String()
}
