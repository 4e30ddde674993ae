package common

import (
	"testing"

	"github.com/holiman/uint256"
)

func TestSplitConnectionAddress(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		wantIP   string
		wantPort int
		wantErr  bool
	}{
		{name: "ok", address: "127.0.0.1:30303", wantIP: "127.0.0.1", wantPort: 30303},
		{name: "hostname", address: "peer.local:4011", wantIP: "peer.local", wantPort: 4011},
		{name: "missing_port", address: "127.0.0.1", wantErr: true},
		{name: "bad_port", address: "127.0.0.1:abc", wantErr: true},
		{name: "port_out_of_range", address: "127.0.0.1:70000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ip, port, err := SplitConnectionAddress(tt.address)
			if (err != nil) != tt.wantErr {
				t.Errorf("SplitConnectionAddress() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if ip != tt.wantIP || port != tt.wantPort {
				t.Errorf("SplitConnectionAddress() = %v:%v, want %v:%v", ip, port, tt.wantIP, tt.wantPort)
			}
		})
	}
}

func TestStringToUint256(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    *uint256.Int
		wantErr bool
	}{
		{name: "decimal", in: "1000000000000000000", want: uint256.NewInt(1e18)},
		{name: "hex", in: "0x2386F26FC10000", want: uint256.NewInt(10000000000000000)},
		{name: "negative", in: "-1", wantErr: true},
		{name: "garbage", in: "ten", wantErr: true},
		{name: "overflow", in: "0x1" + "0000000000000000000000000000000000000000000000000000000000000000", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := StringToUint256(tt.in)
			if (err != nil) != tt.wantErr {
				t.Errorf("StringToUint256() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && got.Cmp(tt.want) != 0 {
				t.Errorf("StringToUint256() = %v, want %v", got, tt.want)
			}
		})
	}
}
