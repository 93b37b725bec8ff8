package render

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/ggoodman/pullgate/failure"
)

type jsonResponse struct {
	Items      []jsonMessage  `json:"items"`
	Pagination jsonPagination `json:"pagination"`
	Error      *jsonError     `json:"error,omitempty"`
}

type jsonMessage struct {
	ID       *string             `json:"id"`
	Content  string              `json:"content"`
	Encoding string              `json:"encoding,omitempty"`
	Headers  map[string][]string `json:"headers"`
	Metadata map[string]string   `json:"metadata"`
}

type jsonPagination struct {
	NextCursor string `json:"nextCursor"`
}

type jsonError struct {
	ID       string            `json:"id"`
	Message  string            `json:"message,omitempty"`
	Metadata map[string]string `json:"metadata"`
}

func renderJSON(w io.Writer, resp PullResponse) error {
	out := jsonResponse{
		Items:      make([]jsonMessage, 0, len(resp.Items)),
		Pagination: jsonPagination{NextCursor: resp.Pagination.NextCursor},
	}
	for _, m := range resp.Items {
		jm := jsonMessage{ID: m.ID, Headers: m.Headers, Metadata: m.Metadata}
		jm.Content, jm.Encoding = encodeContent(m.Content)
		if jm.Headers == nil {
			jm.Headers = map[string][]string{}
		}
		if jm.Metadata == nil {
			jm.Metadata = map[string]string{}
		}
		out.Items = append(out.Items, jm)
	}
	if e := resp.Error; e != nil {
		out.Error = &jsonError{ID: e.ID, Message: e.Message, Metadata: map[string]string{"key": e.Key}}
	}
	return json.NewEncoder(w).Encode(out)
}

func decodeJSON(r io.Reader) (PullResponse, error) {
	var in jsonResponse
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return PullResponse{}, fmt.Errorf("decode json response: %w", err)
	}
	resp := PullResponse{
		Items:      make([]Message, 0, len(in.Items)),
		Pagination: Pagination{NextCursor: in.Pagination.NextCursor},
	}
	for _, m := range in.Items {
		content, err := decodeContent(m.Content, m.Encoding)
		if err != nil {
			return PullResponse{}, fmt.Errorf("decode json response: %w", err)
		}
		resp.Items = append(resp.Items, Message{ID: m.ID, Content: content, Headers: m.Headers, Metadata: m.Metadata})
	}
	if in.Error != nil {
		resp.Error = &ErrorObject{ID: in.Error.ID, Message: in.Error.Message, Key: in.Error.Metadata["key"]}
	}
	return resp, nil
}

func renderFailureJSON(w io.Writer, env failure.Envelope) error {
	return json.NewEncoder(w).Encode(env)
}

func decodeFailureJSON(r io.Reader) (failure.Envelope, error) {
	var env failure.Envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return env, fmt.Errorf("decode json failure: %w", err)
	}
	return env, nil
}
