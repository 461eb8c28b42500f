package state

import (
	"encoding/json"
	"fmt"
	"time"
)

const envelopeVersion = 1

// Schema names of the stored entities.
const (
	schemaQueue      = "queue"
	schemaLease      = "lease"
	schemaRuns       = "runs"
	schemaBracket    = "bracket"
	schemaBudget     = "budget"
	schemaEpoch      = "epoch"
	schemaIncumbent  = "incumbent"
	schemaQueueState = "queue_state"
	schemaWorker     = "worker"
)

type envelope struct {
	Schema string          `json:"schema"`
	V      int             `json:"v"`
	Data   json.RawMessage `json:"data"`
}

func encode(schema string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", schema, err)
	}
	return json.Marshal(envelope{Schema: schema, V: envelopeVersion, Data: data})
}

func decode(raw []byte, schema string, out any) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode %s: %w", schema, err)
	}
	if env.Schema != schema {
		return fmt.Errorf("decode %s: unexpected schema %q", schema, env.Schema)
	}
	if env.V != envelopeVersion {
		return fmt.Errorf("decode %s: unsupported version %d", schema, env.V)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decode %s: %w", schema, err)
	}
	return nil
}

// getJSON reads and decodes key inside tx.
func getJSON(tx *Tx, key, schema string, out any) (bool, error) {
	raw, ok, err := tx.Get(key)
	if err != nil || !ok {
		return false, err
	}
	if err := decode(raw, schema, out); err != nil {
		return false, err
	}
	return true, nil
}

func putJSON(tx *Tx, key, schema string, v any, ttl time.Duration) error {
	raw, err := encode(schema, v)
	if err != nil {
		return err
	}
	tx.Put(key, raw, ttl)
	return nil
}
