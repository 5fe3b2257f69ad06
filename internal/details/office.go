package details

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// Office is the subset of the upstream office record shown in the details
// view. Pointer and slice fields are nil when absent.
type Office struct {
	Updated        string     `json:"updated"`
	TaxID          string     `json:"taxId"`
	Alias          *string    `json:"alias"`
	Founded        string     `json:"founded"`
	Head           *bool      `json:"head"`
	StatusDate     string     `json:"statusDate"`
	Status         *textField `json:"status"`
	MainActivity   *activity  `json:"mainActivity"`
	Address        *address   `json:"address"`
	Emails         []email    `json:"emails"`
	Phones         []phone    `json:"phones"`
	SideActivities []activity `json:"sideActivities"`
	Company        *company   `json:"company"`
}

type textField struct {
	Text string `json:"text"`
}

type activity struct {
	ID   json.Number `json:"id"`
	Text string      `json:"text"`
}

type address struct {
	Street       string      `json:"street"`
	Number       string      `json:"number"`
	District     string      `json:"district"`
	City         string      `json:"city"`
	State        string      `json:"state"`
	Zip          string      `json:"zip"`
	Details      *string     `json:"details"`
	Municipality json.Number `json:"municipality"`
	Country      *struct {
		Name string `json:"name"`
	} `json:"country"`
}

type email struct {
	Address string `json:"address"`
}

type phone struct {
	Type   string `json:"type"`
	Area   string `json:"area"`
	Number string `json:"number"`
}

type company struct {
	Name   string          `json:"name"`
	Equity json.RawMessage `json:"equity"`
	Nature *textField      `json:"nature"`
	Size   *struct {
		Acronym string `json:"acronym"`
		Text    string `json:"text"`
	} `json:"size"`
	Members []member `json:"members"`
}

type member struct {
	Since  string     `json:"since"`
	Role   *textField `json:"role"`
	Person *struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Age  string `json:"age"`
	} `json:"person"`
}

func ParseOffice(data []byte) (Office, error) {
	var o Office
	if err := json.Unmarshal(data, &o); err != nil {
		return Office{}, err
	}
	return o, nil
}

// equityValue reads a number from a JSON number or numeric string.
func equityValue(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		f, err := n.Float64()
		return f, err == nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f, err == nil
}
