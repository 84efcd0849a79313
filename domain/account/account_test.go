package account_test

import (
	"testing"

	"github.com/artpar/credmeter/domain/account"
	"github.com/artpar/credmeter/domain/entitlement"
)

func TestTagSet(t *testing.T) {
	s := account.NewTagSet(account.TagEnterpriseUnlimited)

	if !s.Has(account.TagEnterpriseUnlimited) {
		t.Error("expected tag present")
	}
	if s.Has(account.Tag("other")) {
		t.Error("unexpected tag reported present")
	}
	if len(s.List()) != 1 {
		t.Errorf("List() = %v", s.List())
	}

	var empty account.TagSet
	if empty.Has(account.TagEnterpriseUnlimited) {
		t.Error("nil set must report no tags")
	}
}

func TestEffectiveTier(t *testing.T) {
	if got := (account.User{Tier: entitlement.TierPro}).EffectiveTier(); got != entitlement.TierPro {
		t.Errorf("EffectiveTier() = %s, want pro", got)
	}
	if got := (account.User{}).EffectiveTier(); got != entitlement.TierFree {
		t.Errorf("EffectiveTier() zero value = %s, want free", got)
	}
	if got := (account.User{Tier: "bogus"}).EffectiveTier(); got != entitlement.TierFree {
		t.Errorf("EffectiveTier() unknown tier = %s, want free", got)
	}
}

func TestHasEnterpriseOverride(t *testing.T) {
	tagged := account.User{Tags: account.NewTagSet(account.TagEnterpriseUnlimited)}
	untagged := account.User{}
	allowed := []string{"pose-generator", "photoshoot"}

	tests := []struct {
		name  string
		user  account.User
		appID string
		apps  []string
		want  bool
	}{
		{"tagged and allow-listed", tagged, "pose-generator", allowed, true},
		{"tagged other app", tagged, "video-studio", allowed, false},
		{"untagged", untagged, "pose-generator", allowed, false},
		{"tagged empty allow-list", tagged, "pose-generator", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := account.HasEnterpriseOverride(tt.user, tt.appID, tt.apps); got != tt.want {
				t.Errorf("HasEnterpriseOverride() = %v, want %v", got, tt.want)
			}
		})
	}
}
