package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/docopt/docopt-go"

	"github.com/gorilla/websocket"

	"github.com/commonstate/converge/converge"
	"github.com/commonstate/converge/protocol"
)

const ConvergeCtlVersion = "0.0.1"

const DefaultUrl = "http://localhost:8080"
const DefaultWsUrl = "ws://localhost:8080/ws"

const DefaultTokenTtl = 24 * time.Hour

const AckTimeout = 30 * time.Second

func main() {
	usage := fmt.Sprintf(
		`Converge control.

The default urls are:
    url: %s
    ws_url: %s

Usage:
    convergectl mint-token --secret=<secret> [--client_id=<client_id>]
        [--ttl=<ttl>]
    convergectl client-id --token=<token>
    convergectl status [--url=<url>]
    convergectl get [--url=<url>] <resource_id>
    convergectl history [--url=<url>] [--limit=<limit>] <resource_id>
    convergectl watch [--ws_url=<ws_url>] --token=<token> <resource_id>
        [--message_count=<message_count>]
    convergectl set [--ws_url=<ws_url>] --token=<token>
        [--strategy=<strategy>] <resource_id> <values_json>
    convergectl edit [--ws_url=<ws_url>] --token=<token>
        --field=<field> <resource_id> <text>

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --url=<url>
    --ws_url=<ws_url>
    --secret=<secret>                HMAC secret the server was started with.
    --client_id=<client_id>          Client id to mint for. Random when unset.
    --ttl=<ttl>                      Token lifetime in hours [default: 24].
    --token=<token>                  Client token.
    --strategy=<strategy>            Resolution strategy for conflicts.
    --field=<field>                  Dotted path of the text field to edit.
    --limit=<limit>                  Change count [default: 20].
    --message_count=<message_count>  Print this many messages then exit.`,
		DefaultUrl,
		DefaultWsUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], ConvergeCtlVersion)
	if err != nil {
		panic(err)
	}

	if mintToken_, _ := opts.Bool("mint-token"); mintToken_ {
		mintToken(opts)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if status_, _ := opts.Bool("status"); status_ {
		status(opts)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if set_, _ := opts.Bool("set"); set_ {
		set(opts)
	} else if edit_, _ := opts.Bool("edit"); edit_ {
		edit(opts)
	}
}

func mintToken(opts docopt.Opts) {
	secret, _ := opts.String("--secret")

	var mintClientId converge.Id
	if clientIdStr, err := opts.String("--client_id"); err == nil && clientIdStr != "" {
		parsedId, err := converge.ParseId(clientIdStr)
		if err != nil {
			fmt.Printf("Invalid client_id (%s).\n", err)
			return
		}
		mintClientId = parsedId
	} else {
		mintClientId = converge.NewId()
	}

	ttlHours, err := opts.Int("--ttl")
	if err != nil || ttlHours <= 0 {
		fmt.Printf("Invalid ttl.\n")
		return
	}

	authenticator := converge.NewAuthenticator([]byte(secret))
	token, err := authenticator.Mint(mintClientId, time.Duration(ttlHours)*time.Hour)
	if err != nil {
		fmt.Printf("Could not mint token (%s).\n", err)
		return
	}

	fmt.Printf("client_id: %s\n", mintClientId)
	fmt.Printf("%s\n", token)
}

// print the client_id claim without verifying the signature
func clientId(opts docopt.Opts) {
	token, _ := opts.String("--token")

	claims := gojwt.MapClaims{}
	if _, _, err := gojwt.NewParser().ParseUnverified(token, claims); err != nil {
		fmt.Printf("Invalid token (%s).\n", err)
		return
	}

	tokenClientId, ok := claims["client_id"]
	if !ok {
		fmt.Printf("Token does not have a client_id.\n")
		return
	}
	fmt.Printf("%s\n", tokenClientId)
}

func status(opts docopt.Opts) {
	url := stringOptDefault(opts, "--url", DefaultUrl)
	getJson(fmt.Sprintf("%s/status", url))
}

func get(opts docopt.Opts) {
	url := stringOptDefault(opts, "--url", DefaultUrl)
	resourceId, _ := opts.String("<resource_id>")
	getJson(fmt.Sprintf("%s/resources/%s", url, resourceId))
}

func history(opts docopt.Opts) {
	url := stringOptDefault(opts, "--url", DefaultUrl)
	resourceId, _ := opts.String("<resource_id>")
	limit, err := opts.Int("--limit")
	if err != nil || limit <= 0 {
		fmt.Printf("Invalid limit.\n")
		return
	}
	getJson(fmt.Sprintf("%s/resources/%s/history?limit=%d", url, resourceId, limit))
}

// watch prints every message for a resource, one json object per line
func watch(opts docopt.Opts) {
	wsUrl := stringOptDefault(opts, "--ws_url", DefaultWsUrl)
	token, _ := opts.String("--token")
	resourceId, _ := opts.String("<resource_id>")

	var messageCount int
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	} else {
		messageCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := dialSync(cancelCtx, wsUrl, token)
	if err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		return
	}
	defer client.Close()

	fmt.Printf("client_id: %s\n", client.clientId)

	snapshot, err := client.Subscribe(resourceId, true)
	if err != nil {
		fmt.Printf("Could not subscribe (%s).\n", err)
		return
	}
	printJson(snapshot)

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			fmt.Printf("Connection closed (%s).\n", err)
			return
		}
		fmt.Printf("%s\n", message)
	}
}

// set proposes a set change against the current version
func set(opts docopt.Opts) {
	wsUrl := stringOptDefault(opts, "--ws_url", DefaultWsUrl)
	token, _ := opts.String("--token")
	strategy, _ := opts.String("--strategy")
	resourceId, _ := opts.String("<resource_id>")
	valuesJson, _ := opts.String("<values_json>")

	values := map[string]any{}
	if err := json.Unmarshal([]byte(valuesJson), &values); err != nil {
		fmt.Printf("Invalid values json (%s).\n", err)
		return
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := dialSync(cancelCtx, wsUrl, token)
	if err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		return
	}
	defer client.Close()

	snapshot, err := client.Subscribe(resourceId, false)
	if err != nil {
		fmt.Printf("Could not subscribe (%s).\n", err)
		return
	}

	change := &protocol.Change{
		Id:          converge.NewId().String(),
		Type:        "set",
		BaseVersion: snapshot.Version,
		Values:      values,
	}
	client.Propose(resourceId, change, strategy)
}

// edit diffs the current field text against the given text and proposes the
// resulting operation sequence
func edit(opts docopt.Opts) {
	wsUrl := stringOptDefault(opts, "--ws_url", DefaultWsUrl)
	token, _ := opts.String("--token")
	field, _ := opts.String("--field")
	resourceId, _ := opts.String("<resource_id>")
	text, _ := opts.String("<text>")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := dialSync(cancelCtx, wsUrl, token)
	if err != nil {
		fmt.Printf("Could not connect (%s).\n", err)
		return
	}
	defer client.Close()

	snapshot, err := client.Subscribe(resourceId, false)
	if err != nil {
		fmt.Printf("Could not subscribe (%s).\n", err)
		return
	}

	before := fieldText(snapshot.Data, field)
	ops := converge.DiffOperations(field, before, text)
	if len(ops) == 0 {
		fmt.Printf("No changes.\n")
		return
	}

	wireOps := make([]protocol.Operation, 0, len(ops))
	for _, op := range ops {
		wireOps = append(wireOps, protocol.Operation{
			Type:     string(op.Type),
			Field:    op.Field,
			Position: op.Position,
			Text:     op.Text,
			Length:   op.Length,
		})
	}

	change := &protocol.Change{
		Id:          converge.NewId().String(),
		Type:        "op-sequence",
		BaseVersion: snapshot.Version,
		Ops:         wireOps,
	}
	client.Propose(resourceId, change, "")
}

type syncClient struct {
	conn     *websocket.Conn
	clientId string
}

func dialSync(ctx context.Context, wsUrl string, token string) (*syncClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsUrl, nil)
	if err != nil {
		return nil, err
	}

	authFrame, err := json.Marshal(&protocol.Auth{
		Type:  protocol.MessageTypeAuth,
		Token: token,
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.TextMessage, authFrame); err != nil {
		conn.Close()
		return nil, err
	}

	_, message, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, err
	}
	messageType, err := protocol.MessageType(message)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if messageType != protocol.MessageTypeAuthOk {
		conn.Close()
		return nil, fmt.Errorf("Auth rejected (%s).", message)
	}

	authOk := &protocol.AuthOk{}
	if err := json.Unmarshal(message, authOk); err != nil {
		conn.Close()
		return nil, err
	}
	return &syncClient{
		conn:     conn,
		clientId: authOk.ClientId,
	}, nil
}

// Subscribe sends a subscribe and waits for the snapshot
func (self *syncClient) Subscribe(resourceId string, includeHistory bool) (*protocol.DataSnapshot, error) {
	frame, err := json.Marshal(&protocol.Subscribe{
		Type:           protocol.MessageTypeSubscribe,
		ResourceId:     resourceId,
		IncludeHistory: includeHistory,
	})
	if err != nil {
		return nil, err
	}
	if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return nil, err
	}

	self.conn.SetReadDeadline(time.Now().Add(AckTimeout))
	defer self.conn.SetReadDeadline(time.Time{})
	for {
		_, message, err := self.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		messageType, err := protocol.MessageType(message)
		if err != nil {
			return nil, err
		}
		switch messageType {
		case protocol.MessageTypeDataSnapshot:
			snapshot := &protocol.DataSnapshot{}
			if err := json.Unmarshal(message, snapshot); err != nil {
				return nil, err
			}
			return snapshot, nil
		case protocol.MessageTypeUpdateFailed:
			return nil, fmt.Errorf("%s", message)
		}
	}
}

// Propose sends an update and prints the first outcome message for it
func (self *syncClient) Propose(resourceId string, change *protocol.Change, strategy string) {
	frame, err := json.Marshal(&protocol.Update{
		Type:       protocol.MessageTypeUpdate,
		ResourceId: resourceId,
		Change:     change,
		Strategy:   strategy,
	})
	if err != nil {
		fmt.Printf("Could not encode update (%s).\n", err)
		return
	}
	if err := self.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		fmt.Printf("Could not send update (%s).\n", err)
		return
	}

	self.conn.SetReadDeadline(time.Now().Add(AckTimeout))
	for {
		_, message, err := self.conn.ReadMessage()
		if err != nil {
			fmt.Printf("No outcome (%s).\n", err)
			return
		}
		messageType, err := protocol.MessageType(message)
		if err != nil {
			continue
		}
		switch messageType {
		case protocol.MessageTypeDataChanged:
			changed := &protocol.DataChanged{}
			if err := json.Unmarshal(message, changed); err != nil {
				continue
			}
			if changed.Change != nil && changed.Change.Id == change.Id {
				fmt.Printf("Committed version %d.\n", changed.Change.Version)
				printJson(changed)
				return
			}
		case protocol.MessageTypeConflictDetected, protocol.MessageTypeUpdateFailed:
			fmt.Printf("%s\n", message)
			return
		}
	}
}

func (self *syncClient) Close() {
	self.conn.Close()
}

func getJson(url string) {
	response, err := http.Get(url)
	if err != nil {
		fmt.Printf("Request failed (%s).\n", err)
		return
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		fmt.Printf("Request failed (%s).\n", err)
		return
	}
	if response.StatusCode != http.StatusOK {
		fmt.Printf("Request failed (%s): %s\n", response.Status, body)
		return
	}

	out := map[string]any{}
	if err := json.Unmarshal(body, &out); err != nil {
		fmt.Printf("%s\n", body)
		return
	}
	printJson(out)
}

func printJson(result any) {
	pretty, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", result)
		return
	}
	fmt.Printf("%s\n", pretty)
}

func fieldText(data map[string]any, field string) string {
	var node any = data
	start := 0
	for i := 0; i <= len(field); i += 1 {
		if i < len(field) && field[i] != '.' {
			continue
		}
		tree, ok := node.(map[string]any)
		if !ok {
			return ""
		}
		node = tree[field[start:i]]
		start = i + 1
	}
	text, ok := node.(string)
	if !ok {
		return ""
	}
	return text
}

func stringOptDefault(opts docopt.Opts, name string, defaultValue string) string {
	if value := opts[name]; value != nil {
		if s, ok := value.(string); ok && s != "" {
			return s
		}
	}
	return defaultValue
}
