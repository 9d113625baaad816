package promfmt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/query"
)

func TestVectorDataShapesOneSamplePerResult(t *testing.T) {
	results := []query.Result{
		{
			Labels: metricpoint.NewLabels(map[string]string{"__name__": "up", "job": "collector"}),
			Samples: []query.Sample{
				{Time: time.Unix(100, 0), Value: 1},
			},
		},
	}

	data := VectorData(results)
	require.Equal(t, "vector", data["resultType"])
	items := data["result"].([]VectorItem)
	require.Len(t, items, 1)
	assert.Equal(t, "collector", items[0].Metric["job"])
	assert.Equal(t, "1", items[0].Value.Value)
}

func TestMatrixDataCarriesAllSamples(t *testing.T) {
	results := []query.Result{
		{
			Labels: metricpoint.NewLabels(map[string]string{"__name__": "cpu"}),
			Samples: []query.Sample{
				{Time: time.Unix(0, 0), Value: 1},
				{Time: time.Unix(60, 0), Value: 2},
			},
		},
	}

	data := MatrixData(results)
	require.Equal(t, "matrix", data["resultType"])
	items := data["result"].([]MatrixItem)
	require.Len(t, items, 1)
	assert.Len(t, items[0].Values, 2)
}

func TestLabelNamesDataIsSorted(t *testing.T) {
	out := LabelNamesData([]string{"job", "__name__", "route"})
	assert.Equal(t, []string{"__name__", "job", "route"}, out)
}

func TestBuildInfoDataPopulatesVersionFields(t *testing.T) {
	data := BuildInfoData()
	assert.Contains(t, data, "version")
	assert.Contains(t, data, "goVersion")
}
