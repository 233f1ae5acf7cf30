package tillermap

const (
	UNIVERSAL_SRID = 4326
	OUTPUT_SRID    = 3857

	UTM_NORTH_BASE = 32600
	UTM_SOUTH_BASE = 32700
	UTM_MAX_LAT    = 84.0
	UTM_MIN_LAT    = -80.0

	RAW_BAND_COUNT  = 6
	FEATURE_COUNT   = 21
	FILL_VALUE      = -9999.0
	OUTPUT_NODATA   = -99999.0
	CLIP_OUTSIDE    = 0.0
	COORD_PRECISION = 1e6

	RepairBufferSegs = 30

	FILE_EXT_TIF   = ".tif"
	OUTPUT_PREFIX  = "tiller_density_map_"
	TMP_RASTER     = "raster_%s.tif"
	DATE_LAYOUT    = "2006-01-02"
	EPSG_PREFIX    = "EPSG:"
	COG_BLOCK_SIZE = "256"
)

// 影像波段顺序
var BandOrder = [RAW_BAND_COUNT]string{"B", "G", "R", "NIR", "SWIR1", "SWIR2"}

// 模型特征顺序（不可调整）
var FeatureOrder = [FEATURE_COUNT]string{
	"B",
	"G1", // SWIR1
	"G",
	"Y", // SWIR2
	"R",
	"RE", // NIR*NDVI
	"NIR",
	"NDVI",
	"EVI",
	"GNDVI",
	"SAVI",
	"NDRE", // NDMI
	"MSAVI",
	"GCI",
	"RVI_1",
	"RGVI",
	"NDWI",
	"RVI_2",
	"SIPI",
	"NEXG",
	"NGRDI",
}

// 旧版(4,6)模型使用的原始波段槽位，按影像波段顺序排列
var PhysicalBandSlots = [RAW_BAND_COUNT]string{"B", "G", "R", "NIR", "G1", "Y"}
