package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specWithReferences = `import { checkoutPage } from '../pages/checkout';
import helpers from './helpers';
const utils = require('./utils');

describe('checkout', () => {
  it('pays', () => {
    cy.login('admin');
    cy.get('[data-testid="pay"]').click();
    checkoutPage.submit();
    cy.seedCart(3);
  });
});
`

func readingSource() *fakeSource {
	return &fakeSource{files: map[string]string{
		"cypress/e2e/checkout.spec.ts": specWithReferences,
		"cypress/pages/checkout.ts":    "export const checkoutPage = { submit() {} };",
		"cypress/e2e/helpers.ts":       "export default {};",
		"cypress/support/commands.ts":  "Cypress.Commands.add('login', (user) => {});\nCypress.Commands.add('seedCart', (n) => {});",
	}}
}

func readingContext() *FailureContext {
	return &FailureContext{
		ErrorMessage: "element not found",
		TestFile:     "cypress/e2e/checkout.spec.ts",
		TestName:     "pays",
	}
}

func TestCodeReading_GathersContext(t *testing.T) {
	stage := &CodeReadingStage{src: readingSource()}

	res := stage.Execute(context.Background(), readingContext())

	require.True(t, res.Success, res.Error)
	out := res.Data
	assert.Equal(t, specWithReferences, out.TestFileContent)
	assert.Zero(t, res.GeneratorCalls, "code reading never calls the generator")

	paths := make([]string, 0, len(out.RelatedFiles))
	for _, rf := range out.RelatedFiles {
		paths = append(paths, rf.Path)
	}
	assert.Contains(t, paths, "cypress/pages/checkout.ts")
	assert.Contains(t, paths, "cypress/e2e/helpers.ts")
	assert.Contains(t, paths, "cypress/support/commands.ts")
	// ./utils does not exist anywhere: silently skipped.
	assert.NotContains(t, paths, "cypress/e2e/utils.ts")
}

func TestCodeReading_DiscoversCustomCommands(t *testing.T) {
	stage := &CodeReadingStage{src: readingSource()}

	res := stage.Execute(context.Background(), readingContext())
	require.True(t, res.Success)

	names := map[string]string{}
	for _, cc := range res.Data.CustomCommands {
		names[cc.Name] = cc.File
	}
	assert.Equal(t, "cypress/support/commands.ts", names["login"])
	assert.Equal(t, "cypress/support/commands.ts", names["seedCart"])
	// Standard commands are not reported.
	_, hasGet := names["get"]
	assert.False(t, hasGet)
	_, hasClick := names["click"]
	assert.False(t, hasClick)
}

func TestCodeReading_DiscoversPageObjects(t *testing.T) {
	stage := &CodeReadingStage{src: readingSource()}

	res := stage.Execute(context.Background(), readingContext())
	require.True(t, res.Success)

	require.Len(t, res.Data.PageObjects, 1)
	assert.Equal(t, "checkoutPage", res.Data.PageObjects[0].Name)
	assert.Equal(t, "cypress/pages/checkout.ts", res.Data.PageObjects[0].File)
}

func TestCodeReading_MissingPrimaryFileFails(t *testing.T) {
	stage := &CodeReadingStage{src: &fakeSource{files: map[string]string{}}}

	res := stage.Execute(context.Background(), readingContext())

	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "test file not found")
	assert.Nil(t, res.Data)
}

func TestCodeReading_PartialDiscoveryDegradesGracefully(t *testing.T) {
	// Only the test file exists: every reference is missing.
	stage := &CodeReadingStage{src: &fakeSource{files: map[string]string{
		"cypress/e2e/checkout.spec.ts": specWithReferences,
	}}}

	res := stage.Execute(context.Background(), readingContext())

	require.True(t, res.Success)
	assert.Empty(t, res.Data.RelatedFiles)
	// Custom calls are still reported even without a found definition.
	names := map[string]bool{}
	for _, cc := range res.Data.CustomCommands {
		names[cc.Name] = true
	}
	assert.True(t, names["login"])
	assert.Contains(t, res.Data.Summary, "checkout.spec.ts")
}

func TestCodeReading_ResolveTriesLaterVariantsPastSeen(t *testing.T) {
	// The .ts candidate was already fetched under another import; the .js
	// variant must still be tried rather than abandoning the import.
	stage := &CodeReadingStage{src: &fakeSource{files: map[string]string{
		"cypress/e2e/helpers.js": "export const wait = () => {};",
	}}}
	fc := readingContext()
	seen := map[string]bool{"cypress/e2e/helpers.ts": true}

	resolved, text, ok := stage.resolveAndFetch(context.Background(), fc, "./helpers", seen)

	require.True(t, ok)
	assert.Equal(t, "cypress/e2e/helpers.js", resolved)
	assert.Contains(t, text, "wait")
}

func TestScanImports_Order(t *testing.T) {
	imports := scanImports(specWithReferences)
	assert.Equal(t, []string{"../pages/checkout", "./helpers", "./utils"}, imports)
}

func TestScanCustomCommands_ExcludesVocabulary(t *testing.T) {
	names := scanCustomCommands(specWithReferences)
	assert.Equal(t, []string{"login", "seedCart"}, names)
}

func TestSurroundingLine(t *testing.T) {
	content := "line one\nCypress.Commands.add('login', (user) => {});\nline three"
	assert.Equal(t, "Cypress.Commands.add('login', (user) => {});", surroundingLine(content, "Cypress.Commands.add('login'"))
	assert.Empty(t, surroundingLine(content, "nope"))
}
