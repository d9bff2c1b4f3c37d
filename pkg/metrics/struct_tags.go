package metrics

import (
	"fmt"
	"path"
	"reflect"
)

// metricAdder allocates the measure held by a tagged field. It returns nil to leave the field unchanged.
type metricAdder func(interface{}, string, string, map[string]string) interface{}

// tagNames maps struct tags to the keys passed to a metricAdder
var tagNames = map[string]string{
	"metric":      "metric",
	"group":       "group",
	"unit":        "unit",
	"description": "description",
	"extraviews":  "views",
	"tags":        "groupings",
}

func equalType(a, b interface{}) bool {
	return reflect.TypeOf(a) == reflect.TypeOf(b)
}

// scanStruct walks the fields of a metrics struct, and allocates a measure for each field
// tagged with "metric". Nested structs extend the path of their metrics with their "group" tag.
//
// Supported tags are:
//   - metric: the metric name
//   - group: adds a level to the path of the metric (e.g. capvol/telemetry/{metric})
//   - unit: the unit of the measure
//   - description: adds this description to the metric and the associated views
//   - extraviews: builds additional views with alternate aggregators, e.g. "sum,lastvalue"
//   - tags: the comma-separated tag keys used to group views
func scanStruct(parent string, adder metricAdder, m interface{}) {
	rv := reflect.ValueOf(m)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		panic(fmt.Sprintf("scanStruct requires a pointer to a struct, got: %T", m))
	}
	scanFields(parent, adder, rv.Elem())
}

func scanFields(parent string, adder metricAdder, sv reflect.Value) {
	st := sv.Type()
	for i := 0; i < st.NumField(); i++ {
		field := sv.Field(i)
		if !field.CanSet() {
			continue
		}
		tags := fieldTags(st.Field(i))
		where := path.Join(parent, tags["group"])

		metric, isMetric := tags["metric"]
		switch {
		case isMetric && field.Kind() == reflect.Ptr:
			if allocated := adder(field.Interface(), metric, where, tags); allocated != nil {
				field.Set(reflect.ValueOf(allocated))
			}
		case isMetric:
			// only pointers to measures may be allocated
		case field.Kind() == reflect.Struct:
			scanFields(where, adder, field)
		case field.Kind() == reflect.Ptr && field.Type().Elem().Kind() == reflect.Struct:
			if field.IsNil() {
				field.Set(reflect.New(field.Type().Elem()))
			}
			scanFields(where, adder, field.Elem())
		}
	}
}

func fieldTags(field reflect.StructField) map[string]string {
	tags := make(map[string]string, len(tagNames))
	for tag, key := range tagNames {
		if value, ok := field.Tag.Lookup(tag); ok {
			tags[key] = value
		}
	}
	return tags
}
