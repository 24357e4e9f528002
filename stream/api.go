package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
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

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any](ctx context.Context) (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		r := ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
		select {
		case c <- r:
		case <-ctx.Done():
		}
	})
	return apiCallback, c
}

// rest snapshot of an experiment: the in-progress conversation if one
// exists, completed runs, and progress counters
type ExperimentResult struct {
	Status           string          `json:"status"`
	Conversation     *Conversation   `json:"conversation"`
	Conversations    []*Conversation `json:"conversations"`
	Iterations       int             `json:"iterations,omitempty"`
	CurrentIteration int             `json:"current_iteration,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// ExperimentLoader is the rest collaborator the reconciler bootstraps
// from.
type ExperimentLoader interface {
	GetExperiment(experimentId string, callback apiCallback[*ExperimentResult])
}

type ParleyApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string
	byJwt  string

	httpClient *http.Client
}

func NewParleyApi(apiUrl string) *ParleyApi {
	return NewParleyApiWithContext(context.Background(), apiUrl)
}

func NewParleyApiWithContext(ctx context.Context, apiUrl string) *ParleyApi {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ParleyApi{
		ctx:        cancelCtx,
		cancel:     cancel,
		apiUrl:     apiUrl,
		httpClient: defaultClient(),
	}
}

// this gets attached to api calls that need it
func (self *ParleyApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *ParleyApi) GetExperiment(experimentId string, callback apiCallback[*ExperimentResult]) {
	go func() {
		result, err := self.getExperiment(experimentId)
		callback.Result(result, err)
	}()
}

func (self *ParleyApi) GetExperimentSync(experimentId string) (*ExperimentResult, error) {
	return self.getExperiment(experimentId)
}

func (self *ParleyApi) getExperiment(experimentId string) (*ExperimentResult, error) {
	requestUrl, err := url.JoinPath(self.apiUrl, "api", "experiments", experimentId)
	if err != nil {
		return nil, err
	}

	request, err := http.NewRequestWithContext(self.ctx, http.MethodGet, requestUrl, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")
	if self.byJwt != "" {
		request.Header.Set("Authorization", fmt.Sprintf("Bearer %s", self.byJwt))
	}

	response, err := self.httpClient.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("experiment load status %d", response.StatusCode)
	}

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}

	var result ExperimentResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (self *ParleyApi) Close() {
	self.cancel()
}
