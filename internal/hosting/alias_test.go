package hosting_test

import (
	"encoding/json"
	"testing"

	"github.com/fazt-sh/fazt/internal/hosting"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAliasResolver_AppAlias(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]string{"fazt_app_123"})
	require.NoError(t, r.Upsert(&hosting.Alias{
		Subdomain: "blog",
		Type:      hosting.AliasApp,
		Targets:   targets,
	}))

	appID, err := r.ResolveAppID("blog", "1.2.3.4", "/")
	require.NoError(t, err)
	assert.Equal(t, "fazt_app_123", appID)
}

func TestAliasResolver_RedirectAlias(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]string{"https://example.com"})
	require.NoError(t, r.Upsert(&hosting.Alias{
		Subdomain: "old",
		Type:      hosting.AliasRedirect,
		Targets:   targets,
	}))

	url, err := r.RedirectURL("old")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", url)

	_, err = r.ResolveAppID("old", "1.2.3.4", "/")
	assert.Error(t, err, "redirect aliases must not resolve to an app id")
}

func TestAliasResolver_Upsert_PreservesCreatedAt(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]string{"a"})
	require.NoError(t, r.Upsert(&hosting.Alias{Subdomain: "app1", Type: hosting.AliasApp, Targets: targets}))

	first, err := r.Get("app1")
	require.NoError(t, err)

	targets2, _ := json.Marshal([]string{"b"})
	require.NoError(t, r.Upsert(&hosting.Alias{Subdomain: "app1", Type: hosting.AliasApp, Targets: targets2}))

	second, err := r.Get("app1")
	require.NoError(t, err)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, hosting.AliasApp, second.Type)
}

func TestAliasResolver_Delete(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]string{"a"})
	require.NoError(t, r.Upsert(&hosting.Alias{Subdomain: "app1", Type: hosting.AliasApp, Targets: targets}))
	require.NoError(t, r.Delete("app1"))

	_, err := r.Get("app1")
	assert.Error(t, err)
}

func TestAliasResolver_SplitAlias_DeterministicForSameClientPath(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]hosting.SplitTarget{
		{AppID: "a", Weight: 50},
		{AppID: "b", Weight: 50},
	})
	require.NoError(t, r.Upsert(&hosting.Alias{
		Subdomain: "experiment",
		Type:      hosting.AliasSplit,
		Targets:   targets,
	}))

	first, err := r.ResolveAppID("experiment", "9.9.9.9", "/home")
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		again, err := r.ResolveAppID("experiment", "9.9.9.9", "/home")
		require.NoError(t, err)
		assert.Equal(t, first, again, "same client+path must always resolve to the same split target")
	}
}

func TestAliasResolver_SplitAlias_DistributesAcrossClients(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]hosting.SplitTarget{
		{AppID: "a", Weight: 50},
		{AppID: "b", Weight: 50},
	})
	require.NoError(t, r.Upsert(&hosting.Alias{
		Subdomain: "experiment",
		Type:      hosting.AliasSplit,
		Targets:   targets,
	}))

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ip := "10.0." + string(rune('a'+(i%26))) + "." + string(rune('a'+(i%13)))
		appID, err := r.ResolveAppID("experiment", ip, "/home")
		require.NoError(t, err)
		seen[appID] = true
	}
	assert.Len(t, seen, 2, "with enough distinct clients both split targets should be hit")
}

func TestAliasResolver_List(t *testing.T) {
	r := hosting.NewAliasResolver(openTestStore(t))

	targets, _ := json.Marshal([]string{"a"})
	require.NoError(t, r.Upsert(&hosting.Alias{Subdomain: "z", Type: hosting.AliasApp, Targets: targets}))
	require.NoError(t, r.Upsert(&hosting.Alias{Subdomain: "a", Type: hosting.AliasApp, Targets: targets}))

	all, err := r.List()
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Subdomain)
	assert.Equal(t, "z", all[1].Subdomain)
}
