//go:build !queryslim

package state

import (
	"encoding/json"
	"fmt"

	"github.com/itchyny/gojq"
)

// Query evaluates a jq path over the snapshot's JSON form, so operators can
// pull a single field out of a captured status.
func (s HostSnapshot) Query(q string) (res string, err error) {
	q = fmt.Sprintf(".%s", q)
	jsondata := map[string]interface{}{}
	var dat []byte
	dat, err = json.Marshal(s)
	if err != nil {
		return
	}
	err = json.Unmarshal(dat, &jsondata)
	if err != nil {
		return
	}
	query, err := gojq.Parse(q)
	if err != nil {
		return res, err
	}
	iter := query.Run(jsondata)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, ok := v.(error); ok {
			return res, err
		}
		res += fmt.Sprint(v)
	}
	return
}
