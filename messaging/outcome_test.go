package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcome(t *testing.T) {
	t.Run("zero value is Ack", func(t *testing.T) {
		var o Outcome
		assert.Equal(t, Ack, o)
	})

	t.Run("ParseOutcome", func(t *testing.T) {
		tests := []struct {
			in      string
			want    Outcome
			wantErr bool
		}{
			{"ACK", Ack, false},
			{"nack", Nack, false},
			{" Requeue ", Requeue, false},
			{"", Ack, false},
			{"retry", Ack, true},
		}
		for _, tt := range tests {
			t.Run(tt.in, func(t *testing.T) {
				got, err := ParseOutcome(tt.in)
				if tt.wantErr {
					assert.ErrorIs(t, err, ErrUnknownOutcome)
					return
				}
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			})
		}
	})

	t.Run("text round trip", func(t *testing.T) {
		text, err := Requeue.MarshalText()
		require.NoError(t, err)
		assert.Equal(t, "REQUEUE", string(text))

		var o Outcome
		require.NoError(t, o.UnmarshalText([]byte("nack")))
		assert.Equal(t, Nack, o)

		_, err = Outcome(9).MarshalText()
		assert.ErrorIs(t, err, ErrUnknownOutcome)
	})

	t.Run("String and Valid", func(t *testing.T) {
		assert.Equal(t, "NACK", Nack.String())
		assert.Equal(t, "Outcome(7)", Outcome(7).String())
		assert.True(t, Requeue.Valid())
		assert.False(t, Outcome(-1).Valid())
	})
}
