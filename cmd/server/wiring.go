package main

import (
	"context"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/action"
	wc "github.com/linnemanlabs/warden/internal/cfg"
	"github.com/linnemanlabs/warden/internal/finding"
	"github.com/linnemanlabs/warden/internal/notify/slack"
	"github.com/linnemanlabs/warden/internal/playbook"
)

// newRegistry registers the store-local handlers plus one handler family per
// configured collaborator. Notifications go to Slack when a webhook is set,
// otherwise to the notification collaborator.
func newRegistry(ctx context.Context, L log.Logger, c *wc.Config, store finding.Store) *action.Registry {
	registry := action.NewRegistry()
	registry.Register(action.StoreHandlers(store)...)

	collaborators := []struct {
		name     string
		endpoint string
		handlers func(action.Caller) []action.Handler
	}{
		{"firewall", c.FirewallURL, action.FirewallHandlers},
		{"edr", c.EDRURL, action.EDRHandlers},
		{"directory", c.DirectoryURL, action.DirectoryHandlers},
		{"ticketing", c.TicketingURL, action.TicketingHandlers},
	}
	for _, col := range collaborators {
		if col.endpoint == "" {
			continue
		}
		registry.Register(col.handlers(action.NewClient(col.name, col.endpoint, c.CollaboratorToken))...)
		L.Info(ctx, "registered collaborator", "collaborator", col.name, "endpoint", col.endpoint)
	}

	switch {
	case c.SlackWebhookURL != "":
		registry.Register(action.NotificationHandlers(slack.New(c.SlackWebhookURL))...)
		L.Info(ctx, "notifier enabled", "type", "slack")
	case c.NotificationURL != "":
		client := action.NewClient("notification", c.NotificationURL, c.CollaboratorToken)
		registry.Register(action.NotificationHandlers(action.NewRemoteNotifier(client))...)
		L.Info(ctx, "notifier enabled", "type", "remote", "endpoint", c.NotificationURL)
	}
	return registry
}

// catalogKinds lists every action kind the catalog's playbooks reference.
func catalogKinds(cat *playbook.Catalog) []string {
	var kinds []string
	for _, d := range cat.Definitions() {
		for _, a := range d.Actions {
			kinds = append(kinds, a.Kind)
		}
	}
	return kinds
}
