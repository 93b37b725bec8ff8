package render

import (
	"encoding/xml"
	"fmt"
	"io"

	"github.com/ggoodman/pullgate/failure"
)

type xmlResponse struct {
	XMLName    xml.Name      `xml:"response"`
	Items      xmlItems      `xml:"items"`
	Pagination xmlPagination `xml:"pagination"`
	Error      *xmlError     `xml:"error,omitempty"`
}

type xmlItems struct {
	Item []xmlMessage `xml:"item"`
}

type xmlMessage struct {
	ID       *string       `xml:"id,omitempty"`
	Content  xmlContent    `xml:"content"`
	Headers  []xmlHeader   `xml:"headers>header"`
	Metadata []xmlMetadata `xml:"metadata>entry"`
}

type xmlContent struct {
	Encoding string `xml:"encoding,attr,omitempty"`
	Text     string `xml:",chardata"`
}

type xmlHeader struct {
	Name   string   `xml:"name,attr"`
	Values []string `xml:"value"`
}

type xmlMetadata struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlPagination struct {
	NextCursor string `xml:"nextCursor"`
}

type xmlError struct {
	ID      string `xml:"id"`
	Message string `xml:"message,omitempty"`
	Key     string `xml:"metadata>key"`
}

type xmlFailure struct {
	XMLName xml.Name `xml:"error"`
	failure.Envelope
}

func renderXML(w io.Writer, resp PullResponse) error {
	out := xmlResponse{Pagination: xmlPagination{NextCursor: resp.Pagination.NextCursor}}
	for _, m := range resp.Items {
		xm := xmlMessage{ID: m.ID}
		xm.Content.Text, xm.Content.Encoding = encodeContent(m.Content)
		for _, k := range sortedKeys(m.Headers) {
			xm.Headers = append(xm.Headers, xmlHeader{Name: k, Values: m.Headers[k]})
		}
		for _, k := range sortedKeys(m.Metadata) {
			xm.Metadata = append(xm.Metadata, xmlMetadata{Key: k, Value: m.Metadata[k]})
		}
		out.Items.Item = append(out.Items.Item, xm)
	}
	if e := resp.Error; e != nil {
		out.Error = &xmlError{ID: e.ID, Message: e.Message, Key: e.Key}
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(out)
}

func decodeXML(r io.Reader) (PullResponse, error) {
	var in xmlResponse
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return PullResponse{}, fmt.Errorf("decode xml response: %w", err)
	}
	resp := PullResponse{
		Items:      make([]Message, 0, len(in.Items.Item)),
		Pagination: Pagination{NextCursor: in.Pagination.NextCursor},
	}
	for _, xm := range in.Items.Item {
		content, err := decodeContent(xm.Content.Text, xm.Content.Encoding)
		if err != nil {
			return PullResponse{}, fmt.Errorf("decode xml response: %w", err)
		}
		m := Message{ID: xm.ID, Content: content, Headers: map[string][]string{}, Metadata: map[string]string{}}
		for _, h := range xm.Headers {
			m.Headers[h.Name] = append(m.Headers[h.Name], h.Values...)
		}
		for _, e := range xm.Metadata {
			m.Metadata[e.Key] = e.Value
		}
		resp.Items = append(resp.Items, m)
	}
	if in.Error != nil {
		resp.Error = &ErrorObject{ID: in.Error.ID, Message: in.Error.Message, Key: in.Error.Key}
	}
	return resp, nil
}

func renderFailureXML(w io.Writer, env failure.Envelope) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(xmlFailure{Envelope: env})
}

func decodeFailureXML(r io.Reader) (failure.Envelope, error) {
	var in xmlFailure
	if err := xml.NewDecoder(r).Decode(&in); err != nil {
		return failure.Envelope{}, fmt.Errorf("decode xml failure: %w", err)
	}
	return in.Envelope, nil
}
