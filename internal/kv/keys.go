package kv

import "fmt"

// Keys builds the Redis key names for one engine instance. The layout is
// fixed; only the prefix varies per deployment.
//
//	accounts            set of registered account ids
//	iad:{id}            account record hash
//	iah:{id}            per-account log ring (list)
//	iaq:{id}            queued message blobs, hash keyed by queueId
//	interfaces          local network interface entries
//	smtp                reception-server state
//	settings            global settings hash
//	stats:{c}:{ymd}     daily metric counters
//	bull:{queue}:*      queue engine bookkeeping
type Keys struct {
	Prefix string
}

func (k Keys) key(name string) string {
	if k.Prefix == "" {
		return name
	}
	return k.Prefix + ":" + name
}

// Accounts is the set holding every registered account id.
func (k Keys) Accounts() string { return k.key("accounts") }

// Account is the hash holding the record for one account.
func (k Keys) Account(id string) string { return k.key("iad:" + id) }

// AccountLog is the bounded list holding an account's log ring.
func (k Keys) AccountLog(id string) string { return k.key("iah:" + id) }

// AccountQueue is the hash holding an account's queued message blobs,
// keyed by queueId.
func (k Keys) AccountQueue(id string) string { return k.key("iaq:" + id) }

// Interfaces is the hash of local network interface entries and defaults.
func (k Keys) Interfaces() string { return k.key("interfaces") }

// SMTP is the hash holding reception-server state.
func (k Keys) SMTP() string { return k.key("smtp") }

// Settings is the global settings hash. Entries may be JSON strings or
// plain scalars.
func (k Keys) Settings() string { return k.key("settings") }

// Stats is the daily counter hash for one metric, fielded by minute of day.
func (k Keys) Stats(counter, yyyymmdd string) string {
	return k.key(fmt.Sprintf("stats:%s:%s", counter, yyyymmdd))
}

// StatsKeys is the set of metric counter names seen so far.
func (k Keys) StatsKeys() string { return k.key("stats:keys") }

// Queue builds a queue bookkeeping key, e.g. Queue("notify", "pending").
func (k Keys) Queue(queue, part string) string {
	return k.key(fmt.Sprintf("bull:%s:%s", queue, part))
}

// QueueJob is the hash holding one job's fields.
func (k Keys) QueueJob(queue, jobID string) string {
	return k.key(fmt.Sprintf("bull:%s:job:%s", queue, jobID))
}

// Tokens is the hash of issued API tokens, keyed by token id.
func (k Keys) Tokens() string { return k.key("tokens") }

// ControlChannel is the pub/sub channel for account lifecycle and state
// change messages.
func (k Keys) ControlChannel() string { return k.key("control") }
