package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
)

// ssmAPI is the subset of the SSM client the store uses.
type ssmAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
	PutParameter(ctx context.Context, params *ssm.PutParameterInput, optFns ...func(*ssm.Options)) (*ssm.PutParameterOutput, error)
}

// SSMStore keeps the whole credential document in a single SecureString
// parameter. An absent parameter reads as an empty document.
type SSMStore struct {
	cachedStore
	client ssmAPI
	name   string
}

// NewSSMStore creates an SSM-backed credential store using the given
// parameter name.
func NewSSMStore(client ssmAPI, parameterName string) *SSMStore {
	s := &SSMStore{client: client, name: parameterName}
	s.cachedStore = cachedStore{
		now:   time.Now,
		read:  s.readParameter,
		write: s.writeParameter,
	}
	return s
}

func (s *SSMStore) readParameter(ctx context.Context) (document, error) {
	out, err := s.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(s.name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		var notFound *types.ParameterNotFound
		if errors.As(err, &notFound) {
			return document{Syncs: map[string]TokenPair{}}, nil
		}
		return document{}, fmt.Errorf("reading parameter %s: %w", s.name, err)
	}

	var doc document
	if err := json.Unmarshal([]byte(aws.ToString(out.Parameter.Value)), &doc); err != nil {
		return document{}, fmt.Errorf("parsing parameter %s: %w", s.name, err)
	}
	return doc, nil
}

func (s *SSMStore) writeParameter(ctx context.Context, doc document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	_, err = s.client.PutParameter(ctx, &ssm.PutParameterInput{
		Name:      aws.String(s.name),
		Value:     aws.String(string(data)),
		Type:      types.ParameterTypeSecureString,
		Overwrite: aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("writing parameter %s: %w", s.name, err)
	}
	return nil
}
