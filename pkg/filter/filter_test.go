package filter

import (
	"testing"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(keyword, mode, direction, replacement string) *model.FilterRule {
	return &model.FilterRule{Keyword: keyword, MatchMode: mode, Direction: direction, Replacement: replacement, Enabled: true}
}

func TestApply_Drop(t *testing.T) {
	for _, mode := range []string{model.MatchModeContains, model.MatchModeRegex} {
		t.Run(mode, func(t *testing.T) {
			res := Apply("this has badword in it", model.DirectionGameToChat, []*model.FilterRule{
				rule("badword", mode, model.FilterDirectionBoth, ""),
			})
			assert.True(t, res.Dropped)
			assert.Empty(t, res.Text)
		})
	}

	t.Run(model.MatchModeExact, func(t *testing.T) {
		res := Apply("badword", model.DirectionChatToGame, []*model.FilterRule{
			rule("badword", model.MatchModeExact, model.FilterDirectionBoth, ""),
		})
		assert.True(t, res.Dropped)

		res = Apply("badword!", model.DirectionChatToGame, []*model.FilterRule{
			rule("badword", model.MatchModeExact, model.FilterDirectionBoth, ""),
		})
		assert.False(t, res.Dropped)
	})
}

func TestApply_Replace(t *testing.T) {
	t.Run("按顺序替换并继续", func(t *testing.T) {
		res := Apply("foo foo bar", model.DirectionGameToChat, []*model.FilterRule{
			rule("foo", model.MatchModeContains, model.FilterDirectionBoth, "baz"),
			rule("baz bar", model.MatchModeContains, model.FilterDirectionBoth, "qux"),
		})
		require.False(t, res.Dropped)
		assert.Equal(t, "baz qux", res.Text)
	})

	t.Run("正则替换所有匹配", func(t *testing.T) {
		res := Apply("a1b22c333", model.DirectionGameToChat, []*model.FilterRule{
			rule(`\d+`, model.MatchModeRegex, model.FilterDirectionBoth, "#"),
		})
		assert.Equal(t, "a#b#c#", res.Text)
	})

	t.Run("替换后再命中丢弃规则", func(t *testing.T) {
		res := Apply("hello", model.DirectionGameToChat, []*model.FilterRule{
			rule("hello", model.MatchModeContains, model.FilterDirectionBoth, "spam"),
			rule("spam", model.MatchModeContains, model.FilterDirectionBoth, ""),
		})
		assert.True(t, res.Dropped)
	})
}

func TestApply_Skips(t *testing.T) {
	disabled := rule("x", model.MatchModeContains, model.FilterDirectionBoth, "")
	disabled.Enabled = false

	res := Apply("x marks", model.DirectionGameToChat, []*model.FilterRule{
		disabled,
		rule("x", model.MatchModeContains, model.DirectionChatToGame, ""),
		rule("[", model.MatchModeRegex, model.FilterDirectionBoth, ""),
		rule("X", model.MatchModeContains, model.FilterDirectionBoth, ""),
	})
	assert.False(t, res.Dropped)
	assert.Equal(t, "x marks", res.Text)
	assert.Len(t, res.Invalid, 1)
}
