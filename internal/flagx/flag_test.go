package flagx

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		allowed []string
		want    []string
	}{
		{
			name:    "separate value kept, other flags dropped",
			args:    []string{"-c", "medsync.json", "-d", "local.db"},
			allowed: []string{"-c", "-config"},
			want:    []string{"-c", "medsync.json"},
		},
		{
			name:    "equals form kept whole",
			args:    []string{"--config=etc/medsync.json", "-d", "local.db"},
			allowed: []string{"-c", "--config"},
			want:    []string{"--config=etc/medsync.json"},
		},
		{
			name:    "mixed forms preserve argument order",
			args:    []string{"--config=a.json", "-c", "b.json", "-i", "30s"},
			allowed: []string{"-c", "--config"},
			want:    []string{"--config=a.json", "-c", "b.json"},
		},
		{
			name:    "nothing allowed yields empty non-nil slice",
			args:    []string{"-d", "local.db", "--i=30s", "extra"},
			allowed: []string{"-c", "--config"},
			want:    []string{},
		},
		{
			name:    "trailing flag without value",
			args:    []string{"-c"},
			allowed: []string{"-c"},
			want:    []string{"-c"},
		},
		{
			name:    "next flag is not consumed as a value",
			args:    []string{"-c", "-d"},
			allowed: []string{"-c"},
			want:    []string{"-c"},
		},
		{
			name:    "dash-leading value survives in equals form",
			args:    []string{"--config=-odd.json"},
			allowed: []string{"--config"},
			want:    []string{"--config=-odd.json"},
		},
		{
			name:    "several allowed flags",
			args:    []string{"-d", "local.db", "-c", "medsync.json", "--other", "x"},
			allowed: []string{"-c", "-d"},
			want:    []string{"-d", "local.db", "-c", "medsync.json"},
		},
		{
			name:    "no arguments",
			args:    []string{},
			allowed: []string{"-c"},
			want:    []string{},
		},
		{
			name:    "repeated flag kept both times",
			args:    []string{"-c", "one.json", "-c", "two.json"},
			allowed: []string{"-c"},
			want:    []string{"-c", "one.json", "-c", "two.json"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FilterArgs(tt.args, tt.allowed))
		})
	}
}

func TestJsonConfigFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	t.Run("short form", func(t *testing.T) {
		os.Args = []string{"medsync", "-c", "/etc/medsync/config.json"}
		assert.Equal(t, "/etc/medsync/config.json", JsonConfigFlags())
	})

	t.Run("long form", func(t *testing.T) {
		os.Args = []string{"medsync", "-config", "medsync.json"}
		assert.Equal(t, "medsync.json", JsonConfigFlags())
	})

	t.Run("unrelated flags yield empty path", func(t *testing.T) {
		os.Args = []string{"medsync", "-d", "local.db", "-i", "30s"}
		assert.Empty(t, JsonConfigFlags())
	})

	t.Run("last occurrence wins", func(t *testing.T) {
		os.Args = []string{"medsync", "-c", "first.json", "-config", "second.json"}
		assert.Equal(t, "second.json", JsonConfigFlags())
	})
}
