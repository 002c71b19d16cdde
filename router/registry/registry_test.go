package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `
commands:
  - name: price
    aliases: [p]
    help: Quote one or more symbols.
    usage: "/price SYMBOL [SYMBOL ...]"
    example: "/price AAPL MSFT"
    args:
      - {name: symbols, type: string, required: true, many: true, min_items: 1, max_items: 10}
    dispatch:
      service: market_data
      method: GET
      path: /quote
      args_map: {symbols: symbols}
  - name: buy
    help: Buy a position.
    usage: "/buy SYMBOL QTY [PRICE] [FEES]"
    example: "/buy AAPL 2 150"
    args:
      - {name: symbol, type: string, required: true}
      - {name: qty, type: number, required: true, min: 0}
      - {name: price, type: number, required: false}
      - {name: fees, type: number, required: false}
    dispatch:
      service: portfolio_core
      method: POST
      path: /buy
      args_map: {symbol: symbol, qty: qty, price: price_eur, fees: fees_eur}
  - name: help
    aliases: [start]
    help: Show available commands.
    usage: "/help"
    example: "/help"
`

func writeRegistry(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "commands.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestResolveNamesAndAliases(t *testing.T) {
	t.Parallel()
	reg, err := New(writeRegistry(t, registryYAML), zerolog.Nop())
	require.NoError(t, err)

	for _, token := range []string{"/price", "price", "/P", "/price@PortfolioBot", "/PRICE@bot"} {
		cmd := reg.Resolve(token)
		require.NotNil(t, cmd, "token %q", token)
		assert.Equal(t, "price", cmd.Name)
	}

	require.Nil(t, reg.Resolve("/nope"))
	require.Nil(t, reg.Resolve(""))

	help := reg.Resolve("/start")
	require.NotNil(t, help)
	assert.Equal(t, "help", help.Name)
	assert.True(t, help.Local())

	buy := reg.Resolve("buy")
	require.NotNil(t, buy)
	require.NotNil(t, buy.Dispatch)
	assert.False(t, buy.Local())
	assert.Equal(t, "price_eur", buy.Dispatch.ArgsMap["price"])
}

func TestCommandsKeepFileOrder(t *testing.T) {
	t.Parallel()
	reg, err := New(writeRegistry(t, registryYAML), zerolog.Nop())
	require.NoError(t, err)

	cmds := reg.Commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "price", cmds[0].Name)
	assert.Equal(t, "buy", cmds[1].Name)
	assert.Equal(t, "help", cmds[2].Name)
}

func TestReloadOnModTimeChange(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, registryYAML)
	reg, err := New(path, zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, reg.Resolve("/cash"))

	updated := registryYAML + `
  - name: cash
    help: Show cash balance.
    usage: "/cash"
    example: "/cash"
    dispatch:
      service: portfolio_core
      method: GET
      path: /cash
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	cmd := reg.Resolve("/cash")
	require.NotNil(t, cmd)
	assert.Equal(t, "/cash", cmd.Dispatch.Path)
}

func TestReloadFailureKeepsLastGood(t *testing.T) {
	t.Parallel()
	path := writeRegistry(t, registryYAML)
	reg, err := New(path, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("commands: ["), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	cmd := reg.Resolve("/price")
	require.NotNil(t, cmd)
	assert.Equal(t, "price", cmd.Name)
}

func TestLoadRejectsBadSpecs(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"empty file": `commands: []`,
		"duplicate alias": `
commands:
  - {name: price, usage: "/price", example: "/price"}
  - {name: quote, aliases: [price], usage: "/quote", example: "/quote"}
`,
		"variadic not last": `
commands:
  - name: x
    usage: "/x"
    example: "/x"
    args:
      - {name: symbols, type: string, many: true}
      - {name: qty, type: number}
`,
		"enum without values": `
commands:
  - name: x
    usage: "/x"
    example: "/x"
    args:
      - {name: period, type: enum}
`,
		"unknown arg type": `
commands:
  - name: x
    usage: "/x"
    example: "/x"
    args:
      - {name: qty, type: float}
`,
		"dispatch without path": `
commands:
  - name: x
    usage: "/x"
    example: "/x"
    dispatch: {service: fx, method: GET}
`,
		"unsupported method": `
commands:
  - name: x
    usage: "/x"
    example: "/x"
    dispatch: {service: fx, method: DELETE, path: /fx}
`,
	}
	for name, body := range cases {
		body := body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(writeRegistry(t, body), zerolog.Nop())
			assert.Error(t, err)
		})
	}
}
