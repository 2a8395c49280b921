// Package slotcfg resolves storage-slot context from the location
// configuration service. Each slot's expected contents and calibration data
// live as a JSON document in SSM Parameter Store under a per-slot parameter;
// a local JSON env var serves as the fallback for development and the CLI.
package slotcfg

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"github.com/groweye/plantcount/internal/model"
)

// EnvSlotOverride is a JSON map of slot ID to SlotContext. When set, it is
// consulted before Parameter Store.
const EnvSlotOverride = "PLANTCOUNT_SLOT_CONTEXTS"

// DefaultParamPrefix is the Parameter Store path prefix for slot documents.
const DefaultParamPrefix = "/plantcount/slots/"

// Provider resolves the slot context for a session's storage slot.
type Provider interface {
	SlotContext(ctx context.Context, slotID string) (*model.SlotContext, error)
}

// slotDoc is the wire shape of a slot parameter, validated before use.
// PxPerCm is mandatory: without the scale factor, band estimation cannot
// convert pixel areas to physical areas.
type slotDoc struct {
	ExpectedProduct string  `json:"expectedProduct" validate:"required"`
	ExpectedState   string  `json:"expectedState" validate:"required"`
	FootprintCm2    float64 `json:"footprintCm2" validate:"gte=0"`
	PxPerCm         float64 `json:"pxPerCm" validate:"required,gt=0"`
}

// ssmAPI is the Parameter Store subset used. *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMProvider reads slot documents from Parameter Store, caching each slot
// for the process lifetime. Slot calibration changes land on the next cold
// start, which matches how often growers re-rack storage slots.
type SSMProvider struct {
	client   ssmAPI
	prefix   string
	validate *validator.Validate

	mu    sync.Mutex
	cache map[string]*model.SlotContext
}

var _ Provider = (*SSMProvider)(nil)

// NewSSMProvider creates a provider reading parameters under prefix.
// An empty prefix selects DefaultParamPrefix.
func NewSSMProvider(client *ssm.Client, prefix string) *SSMProvider {
	return newSSMProvider(client, prefix)
}

func newSSMProvider(client ssmAPI, prefix string) *SSMProvider {
	if prefix == "" {
		prefix = DefaultParamPrefix
	}
	return &SSMProvider{
		client:   client,
		prefix:   prefix,
		validate: validator.New(),
		cache:    make(map[string]*model.SlotContext),
	}
}

// SlotContext resolves one slot, preferring the env override, then the cache,
// then Parameter Store.
func (p *SSMProvider) SlotContext(ctx context.Context, slotID string) (*model.SlotContext, error) {
	if sc, ok, err := fromEnv(p.validate, slotID); err != nil {
		return nil, err
	} else if ok {
		return sc, nil
	}

	p.mu.Lock()
	if sc, ok := p.cache[slotID]; ok {
		p.mu.Unlock()
		return sc, nil
	}
	p.mu.Unlock()

	paramName := p.prefix + slotID
	result, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &paramName,
		WithDecryption: aws.Bool(false),
	})
	if err != nil {
		return nil, fmt.Errorf("read slot parameter %s: %w", paramName, err)
	}

	sc, err := p.parse(slotID, []byte(*result.Parameter.Value))
	if err != nil {
		return nil, fmt.Errorf("slot parameter %s: %w", paramName, err)
	}

	p.mu.Lock()
	p.cache[slotID] = sc
	p.mu.Unlock()

	log.Debug().
		Str("slotId", slotID).
		Str("expectedProduct", sc.ExpectedProduct).
		Float64("pxPerCm", sc.PxPerCm).
		Msg("Slot context loaded")
	return sc, nil
}

func (p *SSMProvider) parse(slotID string, raw []byte) (*model.SlotContext, error) {
	var doc slotDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := p.validate.Struct(&doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}
	return &model.SlotContext{
		SlotID:          slotID,
		ExpectedProduct: doc.ExpectedProduct,
		ExpectedState:   doc.ExpectedState,
		FootprintCm2:    doc.FootprintCm2,
		PxPerCm:         doc.PxPerCm,
	}, nil
}

func fromEnv(validate *validator.Validate, slotID string) (*model.SlotContext, bool, error) {
	raw := os.Getenv(EnvSlotOverride)
	if raw == "" {
		return nil, false, nil
	}
	var slots map[string]slotDoc
	if err := json.Unmarshal([]byte(raw), &slots); err != nil {
		return nil, false, fmt.Errorf("unmarshal %s: %w", EnvSlotOverride, err)
	}
	doc, ok := slots[slotID]
	if !ok {
		return nil, false, nil
	}
	if err := validate.Struct(&doc); err != nil {
		return nil, false, fmt.Errorf("validate slot %s from %s: %w", slotID, EnvSlotOverride, err)
	}
	return &model.SlotContext{
		SlotID:          slotID,
		ExpectedProduct: doc.ExpectedProduct,
		ExpectedState:   doc.ExpectedState,
		FootprintCm2:    doc.FootprintCm2,
		PxPerCm:         doc.PxPerCm,
	}, true, nil
}

// StaticProvider serves a fixed slot map. Used by tests and the CLI.
type StaticProvider map[string]model.SlotContext

var _ Provider = (StaticProvider)(nil)

func (p StaticProvider) SlotContext(_ context.Context, slotID string) (*model.SlotContext, error) {
	sc, ok := p[slotID]
	if !ok {
		return nil, fmt.Errorf("slot %s not configured", slotID)
	}
	return &sc, nil
}
