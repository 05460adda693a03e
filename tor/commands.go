package tor

import (
	"context"
	"fmt"
	"strings"
)

// ConfPair is a single option assignment for SETCONF.
type ConfPair struct {
	Key   string
	Value string
}

// SetEvents subscribes to the given asynchronous events, replacing any
// earlier subscription.
func (c *Controller) SetEvents(ctx context.Context, kinds ...EventType) error {
	names := make([]string, 0, len(kinds))
	seen := make(map[EventType]struct{}, len(kinds))
	for _, kind := range kinds {
		if _, ok := seen[kind]; ok {
			continue
		}
		seen[kind] = struct{}{}
		names = append(names, string(kind))
	}

	cmd := strings.TrimSpace("SETEVENTS " + strings.Join(names, " "))
	if _, err := c.SendCommand(ctx, cmd); err != nil {
		return fmt.Errorf("unable to subscribe to events: %w", err)
	}

	log.Debugf("Subscribed to events: %v", names)

	return nil
}

// GetInfo queries one or more GETINFO keys. Data block values keep their
// line structure, joined with "\n".
func (c *Controller) GetInfo(ctx context.Context,
	keys ...string) (map[string]string, error) {

	cmd := "GETINFO " + strings.Join(keys, " ")
	reply, err := c.SendCommand(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("GETINFO %s: %w", strings.Join(keys, " "),
			err)
	}

	info := make(map[string]string, len(keys))
	for _, line := range reply.Lines {
		key, value, ok := strings.Cut(line.Text, "=")
		if !ok {
			continue
		}

		if len(line.Data) > 0 {
			value = strings.Join(line.Data, "\n")
		}
		info[key] = value
	}

	for _, key := range keys {
		if _, ok := info[key]; !ok {
			return nil, fmt.Errorf("GETINFO reply missing %s", key)
		}
	}

	return info, nil
}

// GetConf returns the values of a configuration option. An option that is
// unset yields an empty slice.
func (c *Controller) GetConf(ctx context.Context, key string) ([]string,
	error) {

	reply, err := c.SendCommand(ctx, "GETCONF "+key)
	if err != nil {
		return nil, fmt.Errorf("GETCONF %s: %w", key, err)
	}

	var values []string
	for _, line := range reply.Lines {
		name, value, ok := strings.Cut(line.Text, "=")
		if !ok || !strings.EqualFold(name, key) {
			continue
		}

		if strings.HasPrefix(value, `"`) {
			value = parseTorReply(line.Text)[name]
		}
		values = append(values, value)
	}

	return values, nil
}

// SetConf sets one or more configuration options in a single command.
func (c *Controller) SetConf(ctx context.Context, pairs ...ConfPair) error {
	if len(pairs) == 0 {
		return nil
	}

	parts := make([]string, 0, len(pairs))
	for _, pair := range pairs {
		parts = append(parts, pair.Key+"="+quoteValue(pair.Value))
	}

	cmd := "SETCONF " + strings.Join(parts, " ")
	if _, err := c.SendCommand(ctx, cmd); err != nil {
		return fmt.Errorf("SETCONF: %w", err)
	}

	return nil
}

// Signal sends a signal such as RELOAD or NEWNYM to Tor.
func (c *Controller) Signal(ctx context.Context, name string) error {
	if _, err := c.SendCommand(ctx, "SIGNAL "+name); err != nil {
		return fmt.Errorf("SIGNAL %s: %w", name, err)
	}

	return nil
}

// CloseCircuit asks Tor to close a circuit.
func (c *Controller) CloseCircuit(ctx context.Context, id string) error {
	if _, err := c.SendCommand(ctx, "CLOSECIRCUIT "+id); err != nil {
		return fmt.Errorf("CLOSECIRCUIT %s: %w", id, err)
	}

	return nil
}
