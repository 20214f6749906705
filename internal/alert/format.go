package alert

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rawblock/swapradar-engine/pkg/models"
)

// Message formatting: scannable risk level first, then the evidence
// for why the mint was flagged, then one-click investigation links.

var riskColors = map[string]int{
	"CRITICAL": 0xFF0000,
	"HIGH":     0xFF4400,
	"MEDIUM":   0xFFAA00,
	"LOW":      0xFFDD00,
	"MINIMAL":  0x00AA00,
}

var riskEmoji = map[string]string{
	"CRITICAL": "🚨",
	"HIGH":     "🔴",
	"MEDIUM":   "🟠",
	"LOW":      "🟡",
	"MINIMAL":  "🟢",
}

var triggerDescriptions = map[string]string{
	"concentrated_accumulation": "Few wallets accumulating aggressively",
	"stealth_accumulation":      "Many small buys (avoiding detection)",
	"extreme_ratio":             "Heavy buying, almost no selling",
	"sybil_pattern":             "Suspicious new wallet activity",
	"whale_concentration":       "Top buyers hold majority",
	"slow_stealth_accumulation": "Prolonged quiet accumulation",
	"slow_concentration":        "Gradual concentration over time",
	"gradual_accumulation":      "Steady buy pressure building",
}

// riskLevel maps the CTO score onto the displayed risk label.
func riskLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "CRITICAL"
	case score >= 0.6:
		return "HIGH"
	case score >= 0.4:
		return "MEDIUM"
	case score >= 0.2:
		return "LOW"
	default:
		return "MINIMAL"
	}
}

func tokenDisplay(a *models.Alert) string {
	switch {
	case a.TokenName != "" && a.TokenSymbol != "":
		return fmt.Sprintf("%s ($%s)", a.TokenName, a.TokenSymbol)
	case a.TokenSymbol != "":
		return "$" + a.TokenSymbol
	default:
		return fmt.Sprintf("`%s...`", head(a.Mint, 12))
	}
}

func head(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

// titleWords turns a trigger_name into display form.
func titleWords(name string) string {
	words := strings.Split(strings.ReplaceAll(name, "_", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// formatRatio renders the buy/sell ratio for humans.
func formatRatio(ratio float64) string {
	switch {
	case models.AllBuys(ratio) || ratio > 1000:
		return "ALL BUYS (no sells)"
	case ratio > 100:
		return fmt.Sprintf("%.0fx (almost no sells)", ratio)
	case ratio > 10:
		return fmt.Sprintf("%.0fx", ratio)
	default:
		return fmt.Sprintf("%.1fx", ratio)
	}
}

func shortWallet(w string) string {
	if len(w) > 12 {
		return w[:6] + "..." + w[len(w)-4:]
	}
	return w
}

// evidenceLines collects the red flags shown in the alert, capped at
// four, the trigger-derived ones before the scorer's.
func evidenceLines(a *models.Alert) []string {
	var lines []string

	if strings.Contains(strings.ToLower(a.TriggerReason), "unique_buyers") {
		buyers := a.UniqueBuyers5m
		if buyers < 1 {
			buyers = 1
		}
		if perWallet := float64(a.BuyCount5m) / float64(buyers); perWallet > 3 {
			lines = append(lines, fmt.Sprintf("🚩 %.1f buys per wallet (coordinated?)", perWallet))
		}
	}

	if models.AllBuys(a.BuySellRatio5m) {
		lines = append(lines, "🚩 All buys, zero sells")
	} else if a.BuySellRatio5m > 10 {
		lines = append(lines, fmt.Sprintf("🚩 %.0fx more buys than sells", a.BuySellRatio5m))
	}

	if a.UniqueBuyers5m <= 5 && a.VolumeSol5m > 5 {
		lines = append(lines, fmt.Sprintf("🚩 Only %d wallets moved %.1f SOL", a.UniqueBuyers5m, a.VolumeSol5m))
	}

	for _, ev := range a.Evidence {
		if len(lines) >= 4 {
			break
		}
		lines = append(lines, "🚩 "+ev)
	}
	if len(lines) > 4 {
		lines = lines[:4]
	}
	return lines
}

// clusterSummary renders the funding-linked buyer clusters.
func clusterSummary(clusters []models.ClusterInfo) string {
	if len(clusters) == 0 {
		return ""
	}
	totalBuyers := 0
	for _, c := range clusters {
		totalBuyers += c.Buyers
	}
	lead := clusters[0]
	return fmt.Sprintf("%d buyers across %d funding cluster(s); largest cluster: %d wallets, %.2f SOL",
		totalBuyers, len(clusters), lead.Size, lead.VolumeSol)
}

// scoreBar renders the ten-segment score bar.
func scoreBar(score float64) string {
	filled := int(score * 10)
	if filled > 10 {
		filled = 10
	}
	if filled < 0 {
		filled = 0
	}
	return strings.Repeat("🟥", filled) + strings.Repeat("⬜", 10-filled)
}

// topComponents returns the strongest score components above 0.1,
// largest first, at most three.
func topComponents(components map[string]float64) []string {
	type kv struct {
		name  string
		value float64
	}
	var items []kv
	for name, value := range components {
		if value > 0.1 {
			items = append(items, kv{name, value})
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].value != items[j].value {
			return items[i].value > items[j].value
		}
		return items[i].name < items[j].name
	})
	if len(items) > 3 {
		items = items[:3]
	}
	out := make([]string, len(items))
	for i, item := range items {
		out[i] = fmt.Sprintf("• %s: %.0f%%", titleWords(item.name), item.value*100)
	}
	return out
}

type embedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

type embedFooter struct {
	Text string `json:"text"`
}

type embed struct {
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	Description string       `json:"description"`
	Color       int          `json:"color"`
	Fields      []embedField `json:"fields"`
	Footer      embedFooter  `json:"footer"`
	Timestamp   string       `json:"timestamp"`
}

type discordPayload struct {
	Embeds []embed `json:"embeds"`
}

// buildEmbed assembles the Discord embed for an alert.
func buildEmbed(a *models.Alert) discordPayload {
	level := riskLevel(a.CTOScore)
	display := tokenDisplay(a)

	title := fmt.Sprintf("%s %s RISK - %s", riskEmoji[level], level, display)
	if a.CTOScore <= 0 {
		title = fmt.Sprintf("%s POTENTIAL CTO - %s", riskEmoji[level], display)
	}

	desc := triggerDescriptions[a.TriggerName]
	if desc == "" {
		desc = a.TriggerReason
	}
	description := fmt.Sprintf("**%s**\n%s", titleWords(a.TriggerName), desc)

	fields := []embedField{{
		Name: "📊 5-Minute Activity",
		Value: fmt.Sprintf("💰 **%.1f SOL** volume\n🛒 **%d** buys from **%d** wallets\n📊 **%s** buy/sell ratio",
			a.VolumeSol5m, a.BuyCount5m, a.UniqueBuyers5m, formatRatio(a.BuySellRatio5m)),
		Inline: true,
	}}

	if a.CTOScore > 0 {
		value := fmt.Sprintf("%s **%.0f%%**", scoreBar(a.CTOScore), a.CTOScore*100)
		if factors := topComponents(a.CTOComponents); len(factors) > 0 {
			value += "\n" + strings.Join(factors, "\n")
		}
		fields = append(fields, embedField{Name: "🎯 CTO Likelihood", Value: value, Inline: true})
	}

	if lines := evidenceLines(a); len(lines) > 0 {
		fields = append(fields, embedField{Name: "🔍 Why This Was Flagged", Value: strings.Join(lines, "\n")})
	}

	if len(a.TopBuyers) > 0 {
		medals := []string{"🥇", "🥈", "🥉", "", ""}
		var buyerLines []string
		totalTop := 0.0
		for i, b := range a.TopBuyers {
			if i >= 5 {
				break
			}
			totalTop += b.VolumeSol
			buyerLines = append(buyerLines, fmt.Sprintf("%s [`%s`](https://solscan.io/account/%s) - **%.2f** SOL",
				medals[i], shortWallet(b.Wallet), b.Wallet, b.VolumeSol))
		}
		header := "👥 Top Buyers"
		if a.VolumeSol5m > 0 {
			header = fmt.Sprintf("👥 Top Buyers (%.0f%% of volume)", totalTop/a.VolumeSol5m*100)
		}
		fields = append(fields, embedField{Name: header, Value: strings.Join(buyerLines, "\n")})
	}

	if summary := clusterSummary(a.Clusters); summary != "" {
		fields = append(fields, embedField{Name: "🔗 Wallet Clusters", Value: summary})
	}

	fields = append(fields, embedField{
		Name: "🔗 Investigate",
		Value: fmt.Sprintf("[🔍 Birdeye](https://birdeye.so/token/%s?chain=solana) • "+
			"[📊 DexScreener](https://dexscreener.com/solana/%s) • "+
			"[🧾 Solscan](https://solscan.io/token/%s)", a.Mint, a.Mint, a.Mint),
	})

	if a.EnrichmentDegraded {
		fields = append(fields, embedField{
			Name:  "⚠️ Limited Analysis",
			Value: "_Enrichment credit limit reached - some analysis skipped_",
		})
	}

	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	return discordPayload{Embeds: []embed{{
		Title:       title,
		URL:         "https://dexscreener.com/solana/" + a.Mint,
		Description: description,
		Color:       riskColors[level],
		Fields:      fields,
		Footer:      embedFooter{Text: "Mint: " + a.Mint},
		Timestamp:   created.Format(time.RFC3339),
	}}}
}

// buildTelegramText assembles the Telegram Markdown message.
func buildTelegramText(a *models.Alert) string {
	level := riskLevel(a.CTOScore)

	desc := triggerDescriptions[a.TriggerName]
	if desc == "" {
		desc = a.TriggerReason
	}

	lines := []string{
		fmt.Sprintf("%s *%s RISK - %s*", riskEmoji[level], level, tokenDisplay(a)),
		"",
		fmt.Sprintf("*%s*", titleWords(a.TriggerName)),
		desc,
		"",
		fmt.Sprintf("💰 *%.1f SOL* from *%d* wallets", a.VolumeSol5m, a.UniqueBuyers5m),
		fmt.Sprintf("🛒 *%d* buys | *%s* ratio", a.BuyCount5m, formatRatio(a.BuySellRatio5m)),
	}

	if a.CTOScore > 0 {
		lines = append(lines, "", fmt.Sprintf("🎯 CTO Score: *%.0f%%*", a.CTOScore*100))
		for i, ev := range a.Evidence {
			if i >= 2 {
				break
			}
			lines = append(lines, "  • "+ev)
		}
	}

	if len(a.TopBuyers) > 0 {
		lines = append(lines, "", "*Top Buyers:*")
		for i, b := range a.TopBuyers {
			if i >= 3 {
				break
			}
			lines = append(lines, fmt.Sprintf("  %d. `%s...` - %.2f SOL", i+1, head(b.Wallet, 8), b.VolumeSol))
		}
	}

	lines = append(lines, "", fmt.Sprintf("`%s`", a.Mint), "",
		fmt.Sprintf("[Birdeye](https://birdeye.so/token/%s) | [DexScreener](https://dexscreener.com/solana/%s)",
			a.Mint, a.Mint))

	return strings.Join(lines, "\n")
}

// PlainLine is the one-line log form of an alert.
func PlainLine(a *models.Alert) string {
	token := a.TokenSymbol
	if token == "" {
		token = head(a.Mint, 8)
	}
	return fmt.Sprintf("[ALERT] %s | %s | Vol: %.1f SOL | Buyers: %d | CTO: %.0f%%",
		token, a.TriggerName, a.VolumeSol5m, a.UniqueBuyers5m, a.CTOScore*100)
}
