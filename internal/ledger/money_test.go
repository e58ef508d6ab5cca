package ledger

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMoneyArithmetic(t *testing.T) {
	a := MustParseMoney("10.00")
	b := MustParseMoney("2.50")

	require.Equal(t, Money(1250), a.Add(b))
	require.Equal(t, Money(750), a.Sub(b))
	require.Equal(t, Money(-750), b.Sub(a))
	require.Equal(t, Money(3000), a.MulQty(3))
	require.Equal(t, 1, a.Cmp(b))
	require.Equal(t, -1, b.Cmp(a))
	require.Equal(t, 0, a.Cmp(Money(1000)))
	require.Equal(t, b, Min(a, b))
}

func TestMoneySubNonNegative(t *testing.T) {
	got, err := Money(500).SubNonNegative(200)
	require.NoError(t, err)
	require.Equal(t, Money(300), got)

	_, err = Money(200).SubNonNegative(500)
	require.ErrorIs(t, err, ErrNegativeResult)
	var nre *NegativeResultError
	require.True(t, errors.As(err, &nre))
	require.Equal(t, Money(200), nre.Minuend)
}

func TestMoneyNoDriftOnRepeatedAddition(t *testing.T) {
	cent := MustParseMoney("0.10")
	var sum Money
	for i := 0; i < 1000; i++ {
		sum = sum.Add(cent)
	}
	require.Equal(t, "100.00", sum.String())
}

func TestParseMoney(t *testing.T) {
	cases := []struct {
		in      string
		want    Money
		wantErr bool
	}{
		{in: "39", want: 3900},
		{in: "39.0", want: 3900},
		{in: "0.01", want: 1},
		{in: "-3.07", want: -307},
		{in: " 12.5 ", want: 1250},
		{in: "1.005", wantErr: true},
		{in: "abc", wantErr: true},
		{in: "", wantErr: true},
		{in: "1000000000000000", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseMoney(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestMoneyJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Total Money `json:"total"`
	}{Total: 3900})
	require.NoError(t, err)
	require.JSONEq(t, `{"total":"39.00"}`, string(data))

	var in struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"10.25","b":5.1}`), &in))
	require.Equal(t, Money(1025), in.A)
	require.Equal(t, Money(510), in.B)

	require.Error(t, json.Unmarshal([]byte(`{"a":"0.001"}`), &in))
}
