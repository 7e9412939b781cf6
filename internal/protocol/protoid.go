package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// 常用协议号。业务包体的结构由上层定义，这里只用于路由、日志和指标。
const (
	ProtoInitConnect    uint32 = 1001
	ProtoGetGlobalState uint32 = 1002
	ProtoNotify         uint32 = 1003
	ProtoKeepAlive      uint32 = 1004

	ProtoTrdGetAccList       uint32 = 2001
	ProtoTrdUnlockTrade      uint32 = 2005
	ProtoTrdSubAccPush       uint32 = 2008
	ProtoTrdGetFunds         uint32 = 2101
	ProtoTrdGetPositionList  uint32 = 2102
	ProtoTrdGetOrderList     uint32 = 2201
	ProtoTrdPlaceOrder       uint32 = 2202
	ProtoTrdModifyOrder      uint32 = 2205
	ProtoTrdUpdateOrder      uint32 = 2208
	ProtoTrdGetOrderFillList uint32 = 2211
	ProtoTrdUpdateOrderFill  uint32 = 2218

	ProtoQotSub                 uint32 = 3001
	ProtoQotRegQotPush          uint32 = 3002
	ProtoQotGetBasicQot         uint32 = 3004
	ProtoQotUpdateBasicQot      uint32 = 3005
	ProtoQotGetKL               uint32 = 3006
	ProtoQotUpdateKL            uint32 = 3007
	ProtoQotGetTicker           uint32 = 3010
	ProtoQotUpdateTicker        uint32 = 3011
	ProtoQotGetOrderBook        uint32 = 3012
	ProtoQotUpdateOrderBook     uint32 = 3013
	ProtoQotGetHistoryKL        uint32 = 3103
	ProtoQotGetStaticInfo       uint32 = 3202
	ProtoQotGetSecuritySnapshot uint32 = 3203
)

var protoNames = map[uint32]string{
	ProtoInitConnect:    "InitConnect",
	ProtoGetGlobalState: "GetGlobalState",
	ProtoNotify:         "Notify",
	ProtoKeepAlive:      "KeepAlive",

	ProtoTrdGetAccList:       "Trd_GetAccList",
	ProtoTrdUnlockTrade:      "Trd_UnlockTrade",
	ProtoTrdSubAccPush:       "Trd_SubAccPush",
	ProtoTrdGetFunds:         "Trd_GetFunds",
	ProtoTrdGetPositionList:  "Trd_GetPositionList",
	ProtoTrdGetOrderList:     "Trd_GetOrderList",
	ProtoTrdPlaceOrder:       "Trd_PlaceOrder",
	ProtoTrdModifyOrder:      "Trd_ModifyOrder",
	ProtoTrdUpdateOrder:      "Trd_UpdateOrder",
	ProtoTrdGetOrderFillList: "Trd_GetOrderFillList",
	ProtoTrdUpdateOrderFill:  "Trd_UpdateOrderFill",

	ProtoQotSub:                 "Qot_Sub",
	ProtoQotRegQotPush:          "Qot_RegQotPush",
	ProtoQotGetBasicQot:         "Qot_GetBasicQot",
	ProtoQotUpdateBasicQot:      "Qot_UpdateBasicQot",
	ProtoQotGetKL:               "Qot_GetKL",
	ProtoQotUpdateKL:            "Qot_UpdateKL",
	ProtoQotGetTicker:           "Qot_GetTicker",
	ProtoQotUpdateTicker:        "Qot_UpdateTicker",
	ProtoQotGetOrderBook:        "Qot_GetOrderBook",
	ProtoQotUpdateOrderBook:     "Qot_UpdateOrderBook",
	ProtoQotGetHistoryKL:        "Qot_GetHistoryKL",
	ProtoQotGetStaticInfo:       "Qot_GetStaticInfo",
	ProtoQotGetSecuritySnapshot: "Qot_GetSecuritySnapshot",
}

// ProtoName 返回协议号的可读名称，未知协议号返回其十进制字符串
func ProtoName(id uint32) string {
	if n, ok := protoNames[id]; ok {
		return n
	}
	return strconv.FormatUint(uint64(id), 10)
}

// ParseProto 接受十进制协议号或 ProtoName 返回的名称（不区分大小写）
func ParseProto(s string) (uint32, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 32); err == nil {
		return uint32(n), nil
	}
	for id, name := range protoNames {
		if strings.EqualFold(name, s) {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown proto %q", s)
}
