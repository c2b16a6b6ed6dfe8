package pdf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanPageTextStripsArtifacts(t *testing.T) {
	raw := "SOUPS\n" +
		"Tomato Soup\n" +
		"Serves 4. Simmer gently.\n" +
		"Page 12\n" +
		"- 12 -\n" +
		"12\n" +
		"* * *\n"
	got := cleanPageText(raw, 12)
	assert.Equal(t, "Tomato Soup\nServes 4. Simmer gently.", got)
}

func TestCleanPageTextJoinsWrappedLines(t *testing.T) {
	raw := "Stir the onions until they\nsoften and turn golden.\nAdd the stock.\n"
	got := cleanPageText(raw, 1)
	assert.Equal(t, "Stir the onions until they soften and turn golden.\nAdd the stock.", got)
}

func TestCleanPageTextKeepsMixedCaseHeadings(t *testing.T) {
	// Mixed case and long all-caps lines are content, not running heads.
	raw := "Grandma's Chicken Pie\nTHIS RECIPE FEEDS A WHOLE HARVEST CREW EVERY AUTUMN SUNDAY\n"
	got := cleanPageText(raw, 3)
	assert.Contains(t, got, "Grandma's Chicken Pie")
	assert.Contains(t, got, "HARVEST CREW")
}

func TestIsPageNumberLine(t *testing.T) {
	assert.True(t, isPageNumberLine("7", 7))
	assert.True(t, isPageNumberLine("page 7", 7))
	assert.True(t, isPageNumberLine("[7]", 7))
	assert.False(t, isPageNumberLine("7", 8))
	assert.False(t, isPageNumberLine("7 dumplings", 7))
}

func TestWrapsInto(t *testing.T) {
	assert.True(t, wrapsInto("until they", "soften"))
	assert.False(t, wrapsInto("Add the stock.", "simmer"))
	assert.False(t, wrapsInto("until they", "Soften"))
	assert.False(t, wrapsInto("150C-", "then rest"))
}
