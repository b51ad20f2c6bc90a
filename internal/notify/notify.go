// Package notify composes scan notifications and fans them out to every
// configured channel.
package notify

import (
	"context"
	"fmt"
	"strings"

	"gainscan/config"
	"gainscan/logger"
)

// Notifier delivers one message over a single channel.
type Notifier interface {
	Name() string
	Send(ctx context.Context, title, body string) error
}

// Dispatcher sends every message to all of its notifiers.
type Dispatcher struct {
	notifiers []Notifier
	log       *logger.Log
}

func NewDispatcher(log *logger.Log, notifiers ...Notifier) *Dispatcher {
	if log == nil {
		log = logger.GetLogger()
	}
	return &Dispatcher{notifiers: notifiers, log: log}
}

// FromConfig builds a dispatcher with the channels enabled in cfg.
func FromConfig(cfg config.NotifyConfig, log *logger.Log) *Dispatcher {
	var ns []Notifier
	if cfg.Log {
		ns = append(ns, NewLogNotifier(log))
	}
	if sc := cfg.ServerChan; sc.Enabled {
		if strings.TrimSpace(sc.Key) == "" {
			if log == nil {
				log = logger.GetLogger()
			}
			log.WithComponent("notify").Warn("serverchan enabled without a send key, channel disabled")
		} else {
			ns = append(ns, NewServerChanNotifier(sc))
		}
	}
	return NewDispatcher(log, ns...)
}

// Send attempts every notifier and returns how many succeeded. A failing
// channel never prevents the others from being tried.
func (d *Dispatcher) Send(ctx context.Context, title, body string) int {
	log := d.log.WithComponent("notify").WithFields(logger.Fields{"title": title})

	sent := 0
	for _, n := range d.notifiers {
		if err := n.Send(ctx, title, body); err != nil {
			log.WithError(err).WithFields(logger.Fields{"channel": n.Name()}).Warn("notification failed")
			continue
		}
		sent++
	}

	if sent == 0 {
		log.WithFields(logger.Fields{"channels": len(d.notifiers)}).Warn("notification not delivered on any channel")
	} else {
		log.WithFields(logger.Fields{"delivered": sent, "channels": len(d.notifiers)}).Info("notification sent")
	}
	return sent
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	log *logger.Log
}

func NewLogNotifier(log *logger.Log) *LogNotifier {
	if log == nil {
		log = logger.GetLogger()
	}
	return &LogNotifier{log: log}
}

func (n *LogNotifier) Name() string { return "log" }

func (n *LogNotifier) Send(_ context.Context, title, body string) error {
	n.log.WithComponent("notify").WithFields(logger.Fields{
		"channel": n.Name(),
		"title":   title,
		"body":    body,
	}).Info("notification")
	return nil
}

// errorf keeps channel errors uniformly prefixed.
func errorf(channel, format string, args ...interface{}) error {
	return fmt.Errorf("%s: "+format, append([]interface{}{channel}, args...)...)
}
