// Package risk classifies shell commands into risk tiers before they are
// allowed anywhere near a live session.
//
// Classification is pattern-based and therefore advisory: matching regular
// expressions against raw command text cannot reliably tell a dangerous
// command apart from one that merely quotes it. Quoted regions are masked
// out before matching as a best-effort mitigation, nothing more. Treat the
// result as a gate for human review, never as a sandbox.
package risk

import (
	"regexp"
	"sort"
	"strings"
)

// Tier is the severity assigned to a command.
type Tier string

const (
	TierLow      Tier = "low"
	TierModerate Tier = "moderate"
	TierHigh     Tier = "high"
	TierCritical Tier = "critical"
)

var tierRank = map[Tier]int{
	TierLow:      0,
	TierModerate: 1,
	TierHigh:     2,
	TierCritical: 3,
}

// Rank returns the ordering of a tier; higher is more severe.
func (t Tier) Rank() int {
	return tierRank[t]
}

// RequiresApproval reports whether commands at this tier must be held for
// an explicit human decision.
func (t Tier) RequiresApproval() bool {
	return t == TierHigh || t == TierCritical
}

// Assessment is the result of classifying a single command.
type Assessment struct {
	Tier    Tier     `json:"tier"`
	Reasons []string `json:"reasons"`
}

type pattern struct {
	re     *regexp.Regexp
	reason string
}

// Pattern groups are evaluated most-severe first; within a segment the
// first matching group wins and later groups cannot change the tier.

var criticalPatterns = []pattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[-a-z]*\s+)*-[-a-z]*[rf][-a-z]*\s+(-[-a-z]*\s+)*/(\s|$)`), "removes the filesystem root"},
	{regexp.MustCompile(`(?i)\bdd\s+[^|;]*\bof=/dev/(sd|hd|nvme|vd|xvd|mmcblk)`), "writes raw bytes to a block device"},
	{regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\b`), "reformats a device"},
	{regexp.MustCompile(`(?i)>\s*/etc/(passwd|shadow|sudoers)\b`), "overwrites system authentication files"},
	{regexp.MustCompile(`(?i)\b(shred|wipefs)\s+[^|;]*\b/dev/`), "destroys a block device"},
}

var highPatterns = []pattern{
	{regexp.MustCompile(`(?i)\brm\s+(-[-a-z]*\s+)*-[a-z]*(rf|fr)[a-z]*\b`), "recursive force delete"},
	{regexp.MustCompile(`(?i)\brm\s+(-[-a-z]*\s+)*-[a-z]*r[a-z]*\s+(-[-a-z]*\s+)*-[a-z]*f[a-z]*\b`), "recursive force delete"},
	{regexp.MustCompile(`(?i)\brm\s+([^|;]*\s)?/etc/`), "deletes under /etc"},
	{regexp.MustCompile(`(?i)\b(chown|chmod)\s+[^|;]*\s/(\s|$)`), "changes ownership or permissions at filesystem root"},
	{regexp.MustCompile(`(?i)\bkill\s+(-9|-kill|-sigkill)\s+1\b`), "kills a privileged process"},
	{regexp.MustCompile(`(?i)\bsudo\s+(p?kill|killall)\b`), "kills a privileged process"},
	{regexp.MustCompile(`(?i)^\s*((sudo|doas)\s+)?(reboot|shutdown|poweroff|halt)\b`), "reboots or shuts down the host"},
	{regexp.MustCompile(`(?i)^\s*((sudo|doas)\s+)?init\s+[06]\b`), "reboots or shuts down the host"},
	{regexp.MustCompile(`(?i)\biptables\s+(-[a-z]*\s+)*(-F|--flush)`), "flushes firewall rules"},
	{regexp.MustCompile(`(?i)\bufw\s+disable\b`), "disables the firewall"},
	{regexp.MustCompile(`(?i)\b(userdel|groupdel|deluser|delgroup)\b`), "deletes a user or group"},
}

var moderatePatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+(apt|apt-get|yum|dnf|pacman|zypper|apk|snap)\s+(install|remove|purge|erase|add|del)\b`), "privileged package management"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+(npm|pip3?|gem)\s+(install|uninstall)\b`), "privileged package management"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+(systemctl|service)\s+(start|stop|restart|reload|enable|disable|mask)\b`), "privileged service control"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+u?mount\b`), "privileged mount operation"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]*\s+)*0?777\b`), "grants world-writable permissions"},
	{regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]*\s+)*a\+rwx\b`), "grants world-writable permissions"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+[^|;&]*>`), "privileged output redirection"},
	{regexp.MustCompile(`(?i)\b(sudo|doas)\s+tee\b`), "privileged output redirection"},
}

// Annotations are appended after tier selection and never modify the tier.
var annotationPatterns = []pattern{
	{regexp.MustCompile(`(?i)\b(sudo|doas)\b`), "uses elevated privilege"},
	{regexp.MustCompile(`>`), "redirects output"},
	{regexp.MustCompile(`&\s*$`), "runs in background"},
	{regexp.MustCompile(`(?i)\|\s*(ba|z|da|fi)?sh\b`), "pipes into a shell"},
}

var tierGroups = []struct {
	tier     Tier
	patterns []pattern
}{
	{TierCritical, criticalPatterns},
	{TierHigh, highPatterns},
	{TierModerate, moderatePatterns},
}

// Classify assigns a risk tier and a set of human-readable reasons to a
// command. Deterministic and side-effect free.
//
// Compound commands (chained with &&, ||, ; or piped) are split into
// segments; each segment is classified independently and the highest tier
// wins. Reasons from every segment are merged and deduplicated.
func Classify(command string) Assessment {
	assessment := Assessment{Tier: TierLow, Reasons: []string{}}

	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return assessment
	}

	seen := make(map[string]bool)
	addReason := func(reason string) {
		if !seen[reason] {
			seen[reason] = true
			assessment.Reasons = append(assessment.Reasons, reason)
		}
	}

	for _, segment := range SplitSegments(trimmed) {
		masked := maskQuoted(segment)

		for _, group := range tierGroups {
			matched := false
			for _, p := range group.patterns {
				if p.re.MatchString(masked) {
					matched = true
					if group.tier.Rank() > assessment.Tier.Rank() {
						assessment.Tier = group.tier
					}
					addReason(p.reason)
				}
			}
			// First matching group wins for this segment; a segment that
			// matched critical is not re-examined for lower tiers.
			if matched {
				break
			}
		}
	}

	masked := maskQuoted(trimmed)
	for _, p := range annotationPatterns {
		if p.re.MatchString(masked) {
			addReason(p.reason)
		}
	}

	return assessment
}

// SplitSegments splits a compound command on unquoted &&, ||, ; and |
// boundaries. A single trailing & (background marker) is not a separator.
func SplitSegments(command string) []string {
	var segments []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			segments = append(segments, s)
		}
		current.Reset()
	}

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		c := runes[i]

		if quote != 0 {
			current.WriteRune(c)
			if c == quote {
				quote = 0
			}
			continue
		}

		switch c {
		case '\'', '"':
			quote = c
			current.WriteRune(c)
		case '\\':
			current.WriteRune(c)
			if i+1 < len(runes) {
				i++
				current.WriteRune(runes[i])
			}
		case ';':
			flush()
		case '|':
			if i+1 < len(runes) && runes[i+1] == '|' {
				i++
			}
			flush()
		case '&':
			if i+1 < len(runes) && runes[i+1] == '&' {
				i++
				flush()
			} else {
				// Background marker, keep it so the annotation can see it.
				current.WriteRune(c)
			}
		default:
			current.WriteRune(c)
		}
	}
	flush()

	return segments
}

// maskQuoted blanks out single- and double-quoted regions so patterns do
// not fire on commands that merely mention dangerous text. Unterminated
// quotes mask through end of string.
func maskQuoted(command string) string {
	runes := []rune(command)
	var quote rune
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		if quote != 0 {
			if c == quote {
				quote = 0
			} else {
				runes[i] = ' '
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '\\':
			if i+1 < len(runes) {
				runes[i+1] = ' '
				i++
			}
		}
	}
	return string(runes)
}

// Tiers returns all tiers ordered from least to most severe.
func Tiers() []Tier {
	tiers := []Tier{TierLow, TierModerate, TierHigh, TierCritical}
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Rank() < tiers[j].Rank() })
	return tiers
}
