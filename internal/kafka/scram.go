package kafka

import (
	"github.com/IBM/sarama"
	"github.com/xdg-go/scram"
)

// scramMechanisms maps a configured SASL mechanism to sarama's mechanism
// name and the matching xdg-go hash.
var scramMechanisms = map[string]struct {
	mechanism sarama.SASLMechanism
	hash      scram.HashGeneratorFcn
}{
	"SCRAM-SHA-256": {sarama.SASLTypeSCRAMSHA256, scram.SHA256},
	"SCRAM-SHA-512": {sarama.SASLTypeSCRAMSHA512, scram.SHA512},
}

var _ sarama.SCRAMClient = (*scramClient)(nil)

// scramClient runs one xdg-go SCRAM conversation on behalf of a broker connection.
type scramClient struct {
	hash scram.HashGeneratorFcn
	conv *scram.ClientConversation
}

func newSCRAMClientGenerator(hash scram.HashGeneratorFcn) func() sarama.SCRAMClient {
	return func() sarama.SCRAMClient {
		return &scramClient{hash: hash}
	}
}

func (c *scramClient) Begin(userName, password, authzID string) error {
	client, err := c.hash.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	c.conv = client.NewConversation()
	return nil
}

func (c *scramClient) Step(challenge string) (string, error) {
	return c.conv.Step(challenge)
}

func (c *scramClient) Done() bool {
	return c.conv != nil && c.conv.Done()
}
