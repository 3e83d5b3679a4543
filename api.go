package mapsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// client for the per-map remote mutation endpoints. each result carries
// the authoritative node representation on success, or a structured
// error distinguishing a refusal from a transport failure (a transport
// failure comes back as the call error instead).
type MapApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewMapApi(apiUrl string) *MapApi {
	// in-flight calls are never canceled by editor close,
	// so the api is not parented to the editor context
	return NewMapApiWithContext(context.Background(), apiUrl)
}

func NewMapApiWithContext(ctx context.Context, apiUrl string) *MapApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &MapApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *MapApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

// a refusal from the remote authority, embedded in an otherwise
// successful response body
type NodeResultError struct {
	Message  string `json:"message"`
	Conflict bool   `json:"conflict,omitempty"`
}

func (self *NodeResultError) Rejected() *RejectedError {
	return &RejectedError{
		Message:  self.Message,
		Conflict: self.Conflict,
	}
}

// the refusal body shape shared by every endpoint
type errorEnvelope struct {
	Error *NodeResultError `json:"error,omitempty"`
}

// a 4xx is a refusal: the remote authority saw the request and turned
// it down, so retrying cannot succeed. the structured error in the
// body is preferred when present. 5xx and transport failures stay
// network class.
func classifyStatusError(statusCode int, responseBodyBytes []byte) error {
	errorMessage := strings.TrimSpace(string(responseBodyBytes))
	if 400 <= statusCode && statusCode < 500 {
		envelope := &errorEnvelope{}
		if err := json.Unmarshal(responseBodyBytes, envelope); err == nil && envelope.Error != nil {
			return envelope.Error.Rejected()
		}
		return &RejectedError{Message: errorMessage}
	}
	return errors.New(errorMessage)
}

type CreateNodeCallback apiCallback[*CreateNodeResult]

type CreateNodeArgs struct {
	MapId Id    `json:"map_id"`
	Node  *Node `json:"node"`
}

type CreateNodeResult struct {
	// the authoritative node. its id may differ from the submitted id.
	Node  *Node            `json:"node,omitempty"`
	Error *NodeResultError `json:"error,omitempty"`
}

func (self *MapApi) CreateNode(createNode *CreateNodeArgs, callback CreateNodeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes", self.apiUrl, createNode.MapId),
		createNode,
		self.byJwt,
		&CreateNodeResult{},
		callback,
	)
}

func (self *MapApi) CreateNodeSync(createNode *CreateNodeArgs) (*CreateNodeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes", self.apiUrl, createNode.MapId),
		createNode,
		self.byJwt,
		&CreateNodeResult{},
		NewNoopApiCallback[*CreateNodeResult](),
	)
}

type UpdateNodeCallback apiCallback[*UpdateNodeResult]

type UpdateNodeArgs struct {
	MapId  Id          `json:"map_id"`
	NodeId Id          `json:"node_id"`
	Update *NodeUpdate `json:"update"`
}

type UpdateNodeResult struct {
	Node  *Node            `json:"node,omitempty"`
	Error *NodeResultError `json:"error,omitempty"`
}

func (self *MapApi) UpdateNode(updateNode *UpdateNodeArgs, callback UpdateNodeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/update", self.apiUrl, updateNode.MapId, updateNode.NodeId),
		updateNode,
		self.byJwt,
		&UpdateNodeResult{},
		callback,
	)
}

func (self *MapApi) UpdateNodeSync(updateNode *UpdateNodeArgs) (*UpdateNodeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/update", self.apiUrl, updateNode.MapId, updateNode.NodeId),
		updateNode,
		self.byJwt,
		&UpdateNodeResult{},
		NewNoopApiCallback[*UpdateNodeResult](),
	)
}

type DeleteNodeCallback apiCallback[*DeleteNodeResult]

type DeleteNodeArgs struct {
	MapId  Id `json:"map_id"`
	NodeId Id `json:"node_id"`
}

type DeleteNodeResult struct {
	Error *NodeResultError `json:"error,omitempty"`
}

func (self *MapApi) DeleteNode(deleteNode *DeleteNodeArgs, callback DeleteNodeCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/delete", self.apiUrl, deleteNode.MapId, deleteNode.NodeId),
		deleteNode,
		self.byJwt,
		&DeleteNodeResult{},
		callback,
	)
}

func (self *MapApi) DeleteNodeSync(deleteNode *DeleteNodeArgs) (*DeleteNodeResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/delete", self.apiUrl, deleteNode.MapId, deleteNode.NodeId),
		deleteNode,
		self.byJwt,
		&DeleteNodeResult{},
		NewNoopApiCallback[*DeleteNodeResult](),
	)
}

type UpdateNodePositionCallback apiCallback[*UpdateNodePositionResult]

// dedicated endpoint for the high-frequency position path
type UpdateNodePositionArgs struct {
	MapId    Id    `json:"map_id"`
	NodeId   Id    `json:"node_id"`
	Position Point `json:"position"`
}

type UpdateNodePositionResult struct {
	Node  *Node            `json:"node,omitempty"`
	Error *NodeResultError `json:"error,omitempty"`
}

func (self *MapApi) UpdateNodePosition(updateNodePosition *UpdateNodePositionArgs, callback UpdateNodePositionCallback) {
	go post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/position", self.apiUrl, updateNodePosition.MapId, updateNodePosition.NodeId),
		updateNodePosition,
		self.byJwt,
		&UpdateNodePositionResult{},
		callback,
	)
}

func (self *MapApi) UpdateNodePositionSync(updateNodePosition *UpdateNodePositionArgs) (*UpdateNodePositionResult, error) {
	return post(
		self.ctx,
		fmt.Sprintf("%s/maps/%s/nodes/%s/position", self.apiUrl, updateNodePosition.MapId, updateNodePosition.NodeId),
		updateNodePosition,
		self.byJwt,
		&UpdateNodePositionResult{},
		NewNoopApiCallback[*UpdateNodePositionResult](),
	)
}

type StatusCallback apiCallback[*StatusResult]

// connectivity probe
type StatusResult struct {
	Status string `json:"status"`
}

func (self *MapApi) Status(callback StatusCallback) {
	go get(
		self.ctx,
		fmt.Sprintf("%s/status", self.apiUrl),
		self.byJwt,
		&StatusResult{},
		callback,
	)
}

func (self *MapApi) StatusSync() (*StatusResult, error) {
	return get(
		self.ctx,
		fmt.Sprintf("%s/status", self.apiUrl),
		self.byJwt,
		&StatusResult{},
		NewNoopApiCallback[*StatusResult](),
	)
}

func (self *MapApi) Close() {
	self.cancel()
}

func post[R any](ctx context.Context, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = classifyStatusError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, url string, byJwt string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "text/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		err = classifyStatusError(r.StatusCode, responseBodyBytes)
		callback.Result(result, err)
		return result, err
	}

	if err != nil {
		callback.Result(result, err)
		return result, err
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
