// Weather tool returning a deterministic report for a location
package weather

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/choraleia/parley/pkg/tools"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

const ToolIDWeather tools.ToolID = "weather"

func init() {
	tools.Register(tools.ToolDefinition{
		ID:          ToolIDWeather,
		Name:        "weather",
		Description: "Get the current weather for a location.",
		Category:    tools.CategoryUtility,
		Feature:     tools.FeatureAlways,
	}, newWeatherTool)
}

type WeatherInput struct {
	Location string `json:"location"`
}

type WeatherOutput struct {
	Location    string `json:"location"`
	Temperature int    `json:"temperature"` // Celsius
	Condition   string `json:"condition"`
	Humidity    int    `json:"humidity"` // Percent
}

var conditions = []string{"Sunny", "Partly cloudy", "Cloudy", "Light rain", "Rain", "Thunderstorms", "Snow", "Fog"}

// Report builds the report for a location. The same location always yields the same report.
func Report(location string) WeatherOutput {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(location))))
	sum := h.Sum32()
	return WeatherOutput{
		Location:    strings.TrimSpace(location),
		Temperature: int(sum%40) - 5,
		Condition:   conditions[(sum/40)%uint32(len(conditions))],
		Humidity:    30 + int((sum/320)%61),
	}
}

func newWeatherTool(_ *tools.ToolContext) tool.InvokableTool {
	return utils.NewTool(&schema.ToolInfo{
		Name: "weather",
		Desc: "Get the current weather for a location. Returns temperature in Celsius, a short condition and relative humidity.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"location": {
				Type:     schema.String,
				Desc:     "City or place name, e.g. Paris",
				Required: true,
			},
		}),
	}, func(ctx context.Context, input *WeatherInput) (string, error) {
		if strings.TrimSpace(input.Location) == "" {
			return tools.ErrorString("location is required"), nil
		}
		return tools.FormatJSON(Report(input.Location)), nil
	})
}
