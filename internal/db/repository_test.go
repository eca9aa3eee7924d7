package db

import (
	"regexp"
	"strings"
	"testing"
)

// gluedKeyword matches an SQL keyword jammed against the end of a preceding
// identifier, e.g. "updated_atFROM". The delivery queries splice
// deliveryColumns between keywords, so a missing separator produces exactly
// this shape.
var gluedKeyword = regexp.MustCompile(`[a-z0-9_](SELECT|FROM|WHERE|RETURNING|ORDER|LIMIT)\b`)

func TestDeliveryQueries_KeywordsSeparated(t *testing.T) {
	queries := map[string]string{
		"getDelivery":               getDeliveryQuery,
		"getDeliveryByNotification": getDeliveryByNotificationQuery,
		"claimDueDeliveries":        claimDueDeliveriesQuery,
		"recentDeliveries":          recentDeliveriesQuery,
	}

	for name, query := range queries {
		if m := gluedKeyword.FindString(query); m != "" {
			t.Errorf("%s query has keyword glued to identifier (%q):\n%s", name, m, query)
		}
	}
}

func TestDeliveryQueries_SelectAllPersistedColumns(t *testing.T) {
	for _, col := range []string{
		"relevance_score", "factors", "ab_variant", "scheduled_at",
		"opened_at", "clicked_at", "dismissed_at", "ignored_at", "updated_at",
	} {
		if !strings.Contains(getDeliveryQuery, col) {
			t.Errorf("getDelivery query missing column %s", col)
		}
	}
}
