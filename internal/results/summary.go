package results

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Summary returns a formatted summary of a batch.
func Summary(stats BatchStats, list []CompressedResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, `Compression Summary:

Totals:
		Files: %d
		Original Size: %s
		Compressed Size: %s
		Space Savings: %d%%
`,
		len(list),
		FormatSize(stats.OriginalSize),
		FormatSize(stats.CompressedSize),
		stats.SavingsPercent)

	if len(list) > 0 {
		b.WriteString("\nFiles:\n")
		for _, r := range list {
			fmt.Fprintf(&b, "		%s [%s] %s -> %s (%d%%)\n",
				r.Name,
				strings.ToUpper(string(r.Format)),
				FormatSize(r.OriginalSize),
				FormatSize(r.CompressedSize),
				r.SavingsPercent)
		}
	}
	return b.String()
}

// FormatSize returns a human-readable size such as "1.5 KB".
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	const k = 1024
	sizes := []string{"Bytes", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(k)))
	if i >= len(sizes) {
		i = len(sizes) - 1
	}
	value := float64(bytes) / math.Pow(k, float64(i))
	return strconv.FormatFloat(math.Round(value*100)/100, 'f', -1, 64) + " " + sizes[i]
}
