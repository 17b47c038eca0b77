package config

import (
	"fmt"

	"github.com/jittakal/kafeventcoap/internal/config/dto"
	"github.com/jittakal/kafeventcoap/pkg/cecoap"
	"github.com/jittakal/kafeventcoap/pkg/coap"
)

// EncodePolicy builds the binary encode policy from the encoding section.
func EncodePolicy(c dto.EncodingConfig) (cecoap.EncodePolicy, error) {
	mode, err := cecoap.ParsePolicyMode(c.Policy)
	if err != nil {
		return cecoap.EncodePolicy{}, err
	}
	if mode == cecoap.Strict {
		return cecoap.StrictPolicy(), nil
	}
	return cecoap.EncodePolicy{
		Mode:          mode,
		ContentFormat: c.DefaultContentFormat,
		Type:          c.DefaultType,
		TypeOption:    coap.OptionID(c.TypeOption),
	}, nil
}

// Codec resolves the configured profile and encode policy.
func Codec(c *dto.ApplicationConfig) (*cecoap.Codec, error) {
	profile, err := cecoap.ProfileByName(c.CoAP.Profile)
	if err != nil {
		return nil, fmt.Errorf("coap.profile: %w", err)
	}
	policy, err := EncodePolicy(c.Encoding)
	if err != nil {
		return nil, fmt.Errorf("encoding.policy: %w", err)
	}
	return cecoap.NewCodec(profile, policy), nil
}
