package router

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Mindburn-Labs/casegate/pkg/contracts"
)

//go:embed schema/envelope.schema.json
var envelopeSchemaJSON string

const envelopeSchemaURL = "https://casegate.dev/schema/envelope.json"

var envelopeSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	c.AssertFormat = true
	if err := c.AddResource(envelopeSchemaURL, strings.NewReader(envelopeSchemaJSON)); err != nil {
		return nil, err
	}
	return c.Compile(envelopeSchemaURL)
})

// DecodeEnvelope parses a wire envelope. The document is checked against
// the envelope schema before it is decoded, then validated as a struct.
func DecodeEnvelope(data []byte) (contracts.EventEnvelope, error) {
	schema, err := envelopeSchema()
	if err != nil {
		return contracts.EventEnvelope{}, fmt.Errorf("compile envelope schema: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return contracts.EventEnvelope{}, &contracts.ValidationError{Code: contracts.CodeValidation, Reason: "malformed JSON: " + err.Error()}
	}
	if err := schema.Validate(doc); err != nil {
		return contracts.EventEnvelope{}, schemaError(err)
	}

	var env contracts.EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return contracts.EventEnvelope{}, &contracts.ValidationError{Code: contracts.CodeValidation, Reason: err.Error()}
	}
	if err := contracts.ValidateEnvelope(env); err != nil {
		return contracts.EventEnvelope{}, err
	}
	return env, nil
}

// schemaError reports the deepest failing location.
func schemaError(err error) error {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return &contracts.ValidationError{Code: contracts.CodeValidation, Reason: err.Error()}
	}
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.ReplaceAll(strings.TrimPrefix(ve.InstanceLocation, "/"), "/", ".")
	return &contracts.ValidationError{Code: contracts.CodeValidation, Field: field, Reason: ve.Message}
}
