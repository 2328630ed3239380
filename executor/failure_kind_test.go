package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kulesh/waypoints/evidence"
	"github.com/kulesh/waypoints/intervention"
	"github.com/kulesh/waypoints/receipt"
)

func item(cat evidence.Category, status receipt.ItemStatus) receipt.ChecklistItem {
	return receipt.ChecklistItem{Item: string(cat), Category: cat, Status: status}
}

func TestHardFailureKind(t *testing.T) {
	cases := []struct {
		name  string
		items []receipt.ChecklistItem
		want  intervention.Kind
	}{
		{
			name: "lint_only",
			items: []receipt.ChecklistItem{
				item(evidence.CategoryLint, receipt.StatusFailed),
				item(evidence.CategoryTest, receipt.StatusPassed),
			},
			want: intervention.KindLintError,
		},
		{
			name: "type_only",
			items: []receipt.ChecklistItem{
				item(evidence.CategoryLint, receipt.StatusPassed),
				item(evidence.CategoryType, receipt.StatusFailed),
			},
			want: intervention.KindTypeError,
		},
		{
			name: "test_failed",
			items: []receipt.ChecklistItem{
				item(evidence.CategoryTest, receipt.StatusFailed),
			},
			want: intervention.KindTestFailure,
		},
		{
			name: "lint_and_type_mixed",
			items: []receipt.ChecklistItem{
				item(evidence.CategoryLint, receipt.StatusFailed),
				item(evidence.CategoryType, receipt.StatusFailed),
			},
			want: intervention.KindTestFailure,
		},
		{
			name: "lint_and_test_mixed",
			items: []receipt.ChecklistItem{
				item(evidence.CategoryLint, receipt.StatusFailed),
				item(evidence.CategoryTest, receipt.StatusFailed),
			},
			want: intervention.KindTestFailure,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rcpt := &receipt.Receipt{Checklist: tc.items}
			assert.Equal(t, tc.want, hardFailureKind(rcpt))
		})
	}
}
