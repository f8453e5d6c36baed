// Package notifications delivers terminal pipeline events to a webhook.
//
// The service posts JSON events for completed and failed process records
// using the webhook configured in config.toml and degrades to a no-op when
// no URL is set. Delivery is best effort and deduplicated per record, since
// orchestrator replays may announce the same outcome more than once.
package notifications
