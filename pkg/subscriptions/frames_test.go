package subscriptions

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vektah/gqlparser/v2/gqlerror"
)

func TestParseMessage(t *testing.T) {
	msg, err := ParseMessage([]byte(`{"type":"subscription_start","id":"a-1","query":"{ x }","variables":{"n":1}}`))
	require.NoError(t, err)

	assert.Equal(t, TypeSubscriptionStart, msg.Type)
	assert.Equal(t, "a-1", msg.ID.Key())
	assert.JSONEq(t, `"{ x }"`, string(msg.Query))
	assert.JSONEq(t, `{"n":1}`, string(msg.Variables))
	assert.Nil(t, msg.OperationName)
}

func TestParseMessage_Errors(t *testing.T) {
	for _, raw := range []string{`{bad`, `"text"`, `[1,2]`, ``, `null`, ` null `, `42`} {
		_, err := ParseMessage([]byte(raw))
		if assert.Error(t, err, raw) {
			assert.Contains(t, err.Error(), "decode message", raw)
		}
	}
}

func TestID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		key     string
		str     string
		isNull  bool
		marshal string
	}{
		{"number", `1`, "1", "1", false, `1`},
		{"string", `"abc"`, "abc", "abc", false, `"abc"`},
		{"null", `null`, "", "null", true, `null`},
		{"bool", `true`, "true", "true", false, `true`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var id ID
			require.NoError(t, json.Unmarshal([]byte(tt.raw), &id))
			assert.Equal(t, tt.key, id.Key())
			assert.Equal(t, tt.str, id.String())
			assert.Equal(t, tt.isNull, id.IsNull())

			out, err := json.Marshal(id)
			require.NoError(t, err)
			assert.Equal(t, tt.marshal, string(out))
		})
	}

	var missing ID
	assert.True(t, missing.IsNull())
	assert.Equal(t, "7", IDFromInt(7).Key())
	assert.Equal(t, `"x"`, string(IDFromString("x")))
}

func TestEncodeSubscriptionData(t *testing.T) {
	frame, err := EncodeSubscriptionData(IDFromInt(1), map[string]any{"testString": "v"}, nil, "c1")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"subscription_data","id":1,"payload":{"data":{"testString":"v"}},"room":"c1"}`,
		string(frame))

	frame, err = EncodeSubscriptionData(IDFromString("s"), nil, gqlerror.List{{Message: "boom"}}, "c1")
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"subscription_data","id":"s","payload":{"errors":[{"message":"boom"}]},"room":"c1"}`,
		string(frame))

	// null data is still wrapped
	frame, err = EncodeSubscriptionData(IDFromInt(2), nil, nil, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscription_data","id":2,"payload":{"data":null},"room":"c1"}`, string(frame))
}

func TestEncodeSubscriptionFail(t *testing.T) {
	frame, err := EncodeSubscriptionFail(nil, "decode message: bad")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscription_fail","id":null,"payload":"decode message: bad"}`, string(frame))

	frame, err = EncodeSubscriptionFail(IDFromInt(2), "")
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscription_fail","id":2,"payload":""}`, string(frame))
}

func TestEncodeSubscriptionSuccess(t *testing.T) {
	frame, err := EncodeSubscriptionSuccess(IDFromInt(1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscription_success","id":1}`, string(frame))
}

func TestEncodeInitResult(t *testing.T) {
	frame, err := EncodeInitResult(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init_success","payload":null}`, string(frame))

	frame, err = EncodeInitResult(errors.New("prohibited connection"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"init_fail","payload":"prohibited connection"}`, string(frame))
}

func TestEncodeNoticeAndKeepAlive(t *testing.T) {
	frame, err := EncodeNotice(NoticeConnected)
	require.NoError(t, err)
	assert.JSONEq(t, `{"data":"connected"}`, string(frame))

	frame, err = EncodeKeepAlive()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"keepalive"}`, string(frame))
}

func TestGraphQLErrors(t *testing.T) {
	list, ok := graphQLErrors(errors.New("plain"))
	assert.False(t, ok)
	assert.Nil(t, list)

	list, ok = graphQLErrors(NewExecutionError("a", "b"))
	require.True(t, ok)
	assert.Equal(t, "a; b", errorText(list))

	list, ok = graphQLErrors(gqlerror.Errorf("single"))
	require.True(t, ok)
	assert.Len(t, list, 1)
}
