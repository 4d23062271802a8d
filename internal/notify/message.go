package notify

import (
	"fmt"
	"strings"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

// Subject returns a short headline for n.
func Subject(n restock.Notification) string {
	if len(n.Products) == 1 {
		return fmt.Sprintf("Back in stock: %s", displayName(n.Products[0]))
	}
	return fmt.Sprintf("%d products back in stock", len(n.Products))
}

// FormatText renders n as a plain-text message body.
func FormatText(n restock.Notification) string {
	var sb strings.Builder
	sb.WriteString(Subject(n))
	if n.Region != "" {
		fmt.Fprintf(&sb, " (region %s)", n.Region)
	}
	sb.WriteString("\n")
	for _, p := range n.Products {
		fmt.Fprintf(&sb, "\n- %s", displayName(p))
		if p.Name != "" && p.Name != p.ProductID {
			fmt.Fprintf(&sb, " [%s]", p.ProductID)
		}
	}
	return sb.String()
}

func displayName(p restock.RestockedProduct) string {
	if p.Name != "" {
		return p.Name
	}
	return p.ProductID
}
