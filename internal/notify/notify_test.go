package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type MockSES struct {
	mock.Mock
}

func (m *MockSES) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sesv2.SendEmailOutput)
	return out, args.Error(1)
}

func TestSESNotifier_Send(t *testing.T) {
	ses := new(MockSES)
	ses.On("SendEmail", mock.Anything, mock.MatchedBy(func(in *sesv2.SendEmailInput) bool {
		return aws.ToString(in.FromEmailAddress) == "shop@buddiz.com" &&
			in.Destination.ToAddresses[0] == "a@x.com" &&
			aws.ToString(in.Content.Simple.Subject.Data) == "Order received" &&
			aws.ToString(in.Content.Simple.Body.Text.Data) == "thanks" &&
			in.Content.Simple.Body.Html == nil
	})).Return(&sesv2.SendEmailOutput{MessageId: aws.String("m-1")}, nil)

	n := NewSESNotifier(ses, "shop@buddiz.com", zap.NewNop())
	err := n.Send(context.Background(), Email{To: "a@x.com", Subject: "Order received", Text: "thanks"})

	require.NoError(t, err)
	ses.AssertExpectations(t)
}

func TestSESNotifier_PropagatesFailure(t *testing.T) {
	ses := new(MockSES)
	ses.On("SendEmail", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	n := NewSESNotifier(ses, "shop@buddiz.com", zap.NewNop())
	err := n.Send(context.Background(), Email{To: "a@x.com", Subject: "s", HTML: "<p>x</p>"})

	assert.ErrorContains(t, err, "throttled")
}

func TestNotifiers_RequireRecipient(t *testing.T) {
	ses := new(MockSES)

	assert.ErrorIs(t, NewSESNotifier(ses, "shop@buddiz.com", zap.NewNop()).Send(context.Background(), Email{}), ErrNoRecipient)
	assert.ErrorIs(t, NewLogNotifier(zap.NewNop()).Send(context.Background(), Email{}), ErrNoRecipient)
	ses.AssertNotCalled(t, "SendEmail", mock.Anything, mock.Anything)
}
