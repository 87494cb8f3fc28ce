// Package filter 按顺序应用关键词过滤规则
package filter

import (
	"regexp"
	"strings"

	"github.com/CrashVibe/FGATE-Nexus-sub000/model"
)

// Result 过滤结果
type Result struct {
	// Text 替换后的文本
	Text string
	// Dropped 命中了替换文本为空的规则，消息应被丢弃
	Dropped bool
	// Rule 导致丢弃的规则
	Rule *model.FilterRule
	// Invalid 无法编译而被跳过的正则规则
	Invalid []*model.FilterRule
}

// Apply 依次应用适用于 direction 的已启用规则。
// 替换文本为空的规则一旦命中立即终止并标记丢弃；否则替换命中的文本并继续下一条规则。
// 正则规则替换所有匹配；exact 要求整条消息完全相等；所有匹配均区分大小写。
func Apply(text, direction string, rules []*model.FilterRule) Result {
	res := Result{Text: text}
	for _, rule := range rules {
		if rule == nil || !rule.Enabled || rule.Keyword == "" {
			continue
		}
		if rule.Direction != model.FilterDirectionBoth && rule.Direction != direction {
			continue
		}

		switch rule.MatchMode {
		case model.MatchModeExact:
			if res.Text != rule.Keyword {
				continue
			}
			if rule.Replacement == "" {
				return drop(res, rule)
			}
			res.Text = rule.Replacement

		case model.MatchModeRegex:
			re, err := regexp.Compile(rule.Keyword)
			if err != nil {
				res.Invalid = append(res.Invalid, rule)
				continue
			}
			if !re.MatchString(res.Text) {
				continue
			}
			if rule.Replacement == "" {
				return drop(res, rule)
			}
			res.Text = re.ReplaceAllLiteralString(res.Text, rule.Replacement)

		default:
			if !strings.Contains(res.Text, rule.Keyword) {
				continue
			}
			if rule.Replacement == "" {
				return drop(res, rule)
			}
			res.Text = strings.ReplaceAll(res.Text, rule.Keyword, rule.Replacement)
		}
	}
	return res
}

func drop(res Result, rule *model.FilterRule) Result {
	res.Dropped = true
	res.Rule = rule
	res.Text = ""
	return res
}
